package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/gin-gonic/gin"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/example/plantid/internal/config"
	"github.com/example/plantid/internal/controller"
	"github.com/example/plantid/internal/handlers"
	"github.com/example/plantid/internal/identify"
	"github.com/example/plantid/internal/logging"
	"github.com/example/plantid/internal/preview"
	"github.com/example/plantid/internal/render"
	"github.com/example/plantid/internal/uploader"
)

var errIdentificationFailed = errors.New("identification failed")

func main() {
	newApp().RunAndExitOnError()
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "plantid"
	app.Usage = "identify medicinal plants from a photo"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a yaml config file",
			EnvVars: []string{"PLANTID_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "identification backend URL",
			EnvVars: []string{"PLANTID_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			EnvVars: []string{"PLANTID_LOG_LEVEL"},
		},
		&cli.DurationFlag{
			Name:    "request-timeout",
			Usage:   "give up on the backend after this long (0 waits forever)",
			EnvVars: []string{"PLANTID_REQUEST_TIMEOUT"},
		},
	}
	app.Commands = []*cli.Command{
		serveCmd,
		identifyCmd,
		shellCmd,
	}
	return app
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the web interface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "address to serve the web interface on",
			EnvVars: []string{"PLANTID_LISTEN_ADDR"},
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		rt, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery(), handlers.RequestLogger(rt.logger))
		r.MaxMultipartMemory = handlers.MaxUploadSize

		up := uploader.New(func(img uploader.Image) {
			rt.ctrl.Select(img)
		})
		handlers.RegisterRoutes(r, handlers.Deps{
			Controller: rt.ctrl,
			Uploader:   up,
			Previews:   rt.previews,
			Logger:     rt.logger,
		})

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		rt.logger.Info("plant identifier listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("endpoint", cfg.Endpoint),
		)
		if err := serveHTTPServer(server, cfg.ShutdownTimeout, rt.logger); err != nil {
			rt.logger.Error("server failed", zap.Error(err))
			return err
		}
		return nil
	},
}

var identifyCmd = &cli.Command{
	Name:      "identify",
	Usage:     "identify the plant in one image and print the result",
	ArgsUsage: "<image>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one image path")
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		rt, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		view, err := rt.open(cctx.Args().First())
		if err != nil {
			return err
		}
		if err := printView(cctx.App.Writer, view); err != nil {
			return err
		}
		if view.Mode() == controller.ModeError {
			return errIdentificationFailed
		}
		return nil
	},
}

var shellCmd = &cli.Command{
	Name:  "shell",
	Usage: "interactive console",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		rt, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		rl, err := readline.New("plantid> ")
		if err != nil {
			return err
		}
		defer func() {
			_ = rl.Close()
		}()

		out := cctx.App.Writer
		fmt.Fprintln(out, "Type 'help' for commands.")
		for {
			line, err := rl.Readline()
			if err != nil { // io.EOF or interrupt
				break
			}
			if quit := rt.handleShellLine(out, strings.TrimSpace(line)); quit {
				break
			}
		}
		return nil
	},
}

const shellHelp = `open <path>   identify an image
retry         identify the current image again
clear         forget the current image and result
status        show the current state
quit          leave the shell`

type session struct {
	logger   *zap.Logger
	previews *preview.Store
	ctrl     *controller.Controller
	settled  <-chan struct{}
	uploader *uploader.Uploader
}

func newSession(cfg config.Config) (*session, error) {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	rt := &session{
		logger:   logger,
		previews: preview.NewStore(),
	}
	client := identify.NewClient(cfg.Endpoint, logger)
	rt.ctrl = controller.New(client, rt.previews, logger, controller.WithRequestTimeout(cfg.RequestTimeout))
	rt.uploader = uploader.New(func(img uploader.Image) {
		rt.settled = rt.ctrl.Select(img)
	})
	return rt, nil
}

func (rt *session) close() {
	rt.ctrl.Close()
	_ = rt.logger.Sync()
}

// open selects the image at path and waits for its identification.
func (rt *session) open(path string) (controller.View, error) {
	img, err := uploader.LoadFile(path)
	if err != nil {
		return controller.View{}, err
	}
	if !rt.uploader.Browse([]uploader.Image{img}) {
		return controller.View{}, fmt.Errorf("%s: unsupported image type %s (supported: PNG, JPG, WEBP)", img.Name, img.ContentType)
	}
	<-rt.settled
	return rt.ctrl.Snapshot(), nil
}

func (rt *session) handleShellLine(out io.Writer, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "open":
		if arg == "" {
			fmt.Fprintln(out, "usage: open <path>")
			return false
		}
		fmt.Fprintln(out, "Identifying plant...")
		view, err := rt.open(arg)
		if err != nil {
			fmt.Fprintln(out, err)
			return false
		}
		_ = printView(out, view)
	case "retry":
		<-rt.ctrl.Retry()
		_ = printView(out, rt.ctrl.Snapshot())
	case "clear":
		rt.ctrl.Clear()
		fmt.Fprintln(out, "Cleared.")
	case "status":
		_ = printView(out, rt.ctrl.Snapshot())
	case "help":
		fmt.Fprintln(out, shellHelp)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q, type 'help'\n", cmd)
	}
	return false
}

func printView(w io.Writer, view controller.View) error {
	switch state := view.State.(type) {
	case controller.Success:
		return render.Render(state.Result).WriteText(w)
	case controller.Failed:
		_, err := fmt.Fprintf(w, "Identification Failed\n%s\n", state.Message)
		return err
	case controller.Loading:
		_, err := fmt.Fprintf(w, "Identifying %s...\n", view.ImageName)
		return err
	default:
		_, err := fmt.Fprintln(w, "No image selected.")
		return err
	}
}

// loadConfig layers flags and env vars over the config file and defaults.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return cfg, err
	}
	if cctx.IsSet("endpoint") {
		cfg.Endpoint = cctx.String("endpoint")
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("request-timeout") {
		cfg.RequestTimeout = cctx.Duration("request-timeout")
	}
	if cctx.IsSet("listen") {
		cfg.ListenAddr = cctx.String("listen")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
