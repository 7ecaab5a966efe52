package handlers

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/plantid/internal/controller"
	"github.com/example/plantid/internal/plant"
	"github.com/example/plantid/internal/render"
	"github.com/example/plantid/internal/uploader"
)

// MaxUploadSize caps the accepted image size.
const MaxUploadSize = 10 << 20

// formOverhead leaves room for multipart framing around a maximum size image.
const formOverhead = 1 << 20

//go:embed templates/*.tmpl
var templateFS embed.FS

// PreviewOpener resolves preview handles into image bytes.
type PreviewOpener interface {
	Open(handle string) (uploader.Image, error)
}

// Deps are the collaborators served by the web UI.
type Deps struct {
	Controller *controller.Controller
	Uploader   *uploader.Uploader
	Previews   PreviewOpener
	Logger     *zap.Logger
}

type pageData struct {
	Mode       controller.Mode
	Dragging   bool
	Accept     string
	ImageName  string
	PreviewURL string
	Error      string
	Card       *render.Card
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type stateResponse struct {
	Mode       controller.Mode `json:"mode"`
	Dragging   bool            `json:"dragging"`
	ImageName  string          `json:"image_name,omitempty"`
	PreviewURL string          `json:"preview_url,omitempty"`
	Result     *plant.Result   `json:"result,omitempty"`
	Error      *errorBody      `json:"error,omitempty"`
}

// RegisterRoutes wires the web UI onto the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	router.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.tmpl")))
	logger := deps.Logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html.tmpl", buildPage(deps))
	})

	router.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, buildState(deps))
	})

	router.POST("/select", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		img := uploader.Image{
			Name:        file.Filename,
			ContentType: uploader.DetectContentType(file.Header.Get("Content-Type"), data),
			Data:        data,
		}

		source := c.PostForm("source")
		if source == "drop" {
			deps.Uploader.Drop([]uploader.Image{img})
		} else if !deps.Uploader.Browse([]uploader.Image{img}) {
			logger.Info("rejected upload", zap.String("image", img.Name), zap.String("content_type", img.ContentType))
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "supported formats are PNG, JPG and WEBP"})
			return
		}

		if wantsJSON(c) {
			c.JSON(http.StatusAccepted, buildState(deps))
			return
		}
		c.Redirect(http.StatusSeeOther, "/")
	})

	router.POST("/clear", func(c *gin.Context) {
		deps.Controller.Clear()
		respondState(c, deps)
	})

	router.POST("/retry", func(c *gin.Context) {
		deps.Controller.Retry()
		respondState(c, deps)
	})

	router.POST("/drag", func(c *gin.Context) {
		switch c.PostForm("state") {
		case "enter":
			deps.Uploader.DragEnter()
		case "leave":
			deps.Uploader.DragLeave()
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "state must be enter or leave"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/preview/:handle", func(c *gin.Context) {
		img, err := deps.Previews.Open(c.Param("handle"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, img.ContentType, img.Data)
	})
}

func respondState(c *gin.Context, deps Deps) {
	if wantsJSON(c) {
		c.JSON(http.StatusOK, buildState(deps))
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func wantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), gin.MIMEJSON)
}

func previewURL(handle string) string {
	if handle == "" {
		return ""
	}
	return "/preview/" + handle
}

func buildPage(deps Deps) pageData {
	view := deps.Controller.Snapshot()
	page := pageData{
		Mode:       view.Mode(),
		Dragging:   deps.Uploader.Dragging(),
		Accept:     strings.Join(uploader.AcceptedTypes, ","),
		ImageName:  view.ImageName,
		PreviewURL: previewURL(view.PreviewHandle),
	}
	switch state := view.State.(type) {
	case controller.Success:
		card := render.Render(state.Result)
		page.Card = &card
	case controller.Failed:
		page.Error = state.Message
	}
	return page
}

func buildState(deps Deps) stateResponse {
	view := deps.Controller.Snapshot()
	resp := stateResponse{
		Mode:       view.Mode(),
		Dragging:   deps.Uploader.Dragging(),
		ImageName:  view.ImageName,
		PreviewURL: previewURL(view.PreviewHandle),
	}
	switch state := view.State.(type) {
	case controller.Success:
		result := state.Result
		resp.Result = &result
	case controller.Failed:
		resp.Error = &errorBody{Kind: state.Kind.String(), Message: state.Message}
	}
	return resp
}
