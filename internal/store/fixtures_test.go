package store

import "time"

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// sampleDocs is a small poultry corpus shared by the backend tests.
func sampleDocs() []*Document {
	return []*Document{
		{
			ID:      "ross-weight",
			Content: "Ross 308 broiler body weight targets at 21 days of age",
			Metadata: Metadata{
				SchemaVersion: SchemaVersion,
				Entity:        "ross 308",
				Category:      "performance",
				Phases:        []string{"grower"},
				Source:        "guide",
				Language:      "en",
				PublishedAt:   date(2022, time.March, 1),
			},
		},
		{
			ID:      "cobb-fcr",
			Content: "Cobb 500 feed conversion ratio and body weight in the finisher phase",
			Metadata: Metadata{
				SchemaVersion: SchemaVersion,
				Entity:        "cobb 500",
				Category:      "nutrition",
				Phases:        []string{"finisher"},
				Source:        "guide",
				Language:      "en",
				PublishedAt:   date(2019, time.June, 10),
			},
		},
		{
			ID:      "heat-stress",
			Content: "Heat stress in broiler houses: ventilation and water intake",
			Metadata: Metadata{
				SchemaVersion: SchemaVersion,
				Entity:        "broiler",
				Category:      "environment",
				Phases:        []string{"grower", "finisher"},
				Source:        "bulletin",
				Language:      "en",
				PublishedAt:   date(2024, time.July, 15),
			},
		},
		{
			ID:      "mortalite",
			Content: "Mortalité des poulets de chair en phase de démarrage",
			Metadata: Metadata{
				SchemaVersion: SchemaVersion,
				Entity:        "broiler",
				Category:      "health",
				Phases:        []string{"starter"},
				Source:        "bulletin",
				Language:      "fr",
			},
		},
	}
}

func hitIDs(hits []*Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Doc.Key()
	}
	return ids
}
