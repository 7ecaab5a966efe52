package render

import (
	"fmt"
	"io"

	"github.com/example/plantid/internal/plant"
)

// Card is the display structure for one identification.
type Card struct {
	PlantName      string
	ScientificName string
	Description    string
	MedicinalUses  []string
}

// Render builds the card for r. Medicinal uses keep the order the backend sent.
func Render(r plant.Result) Card {
	uses := make([]string, len(r.MedicinalUses))
	copy(uses, r.MedicinalUses)
	return Card{
		PlantName:      r.PlantName,
		ScientificName: r.ScientificName,
		Description:    r.Description,
		MedicinalUses:  uses,
	}
}

// WriteText prints the card for a terminal.
func (c Card) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s\n", c.PlantName); err != nil {
		return err
	}
	if c.ScientificName != "" {
		if _, err := fmt.Fprintf(w, "(%s)\n", c.ScientificName); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "\nDescription\n  %s\n\nMedicinal Uses\n", c.Description); err != nil {
		return err
	}
	for _, use := range c.MedicinalUses {
		if _, err := fmt.Fprintf(w, "  - %s\n", use); err != nil {
			return err
		}
	}
	return nil
}
