package plant

// Result is the identification returned by the recognition backend.
type Result struct {
	PlantName      string   `json:"plantName"`
	ScientificName string   `json:"scientificName"`
	Description    string   `json:"description"`
	MedicinalUses  []string `json:"medicinalUses"`
}
