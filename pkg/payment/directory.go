package payment

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileDirectory resolves customers to Stripe customer ids from an
// operator-maintained YAML map. Card enrollment happens outside this
// system; the enrollment pipeline syncs its results into this file.
type FileDirectory struct {
	m map[int64]string
}

// LoadDirectory parses the enrollment map. An empty path yields a
// directory where no customer has a card on file.
func LoadDirectory(path string) (*FileDirectory, error) {
	if path == "" {
		return &FileDirectory{m: map[int64]string{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("payment: read stripe directory %s: %w", path, err)
	}
	var doc struct {
		Customers map[int64]string `yaml:"customers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payment: parse stripe directory %s: %w", path, err)
	}
	for id, scID := range doc.Customers {
		if id <= 0 {
			return nil, fmt.Errorf("payment: stripe directory has invalid customer id %d", id)
		}
		if scID == "" {
			return nil, fmt.Errorf("payment: stripe directory maps customer %d to an empty id", id)
		}
	}
	if doc.Customers == nil {
		doc.Customers = map[int64]string{}
	}
	return &FileDirectory{m: doc.Customers}, nil
}

func (d *FileDirectory) StripeCustomerID(_ context.Context, customerID int64) (string, bool, error) {
	id, ok := d.m[customerID]
	return id, ok, nil
}
