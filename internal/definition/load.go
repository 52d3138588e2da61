package definition

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/drip/internal/predicate"
	"github.com/petrijr/drip/pkg/api"
)

// File is the on-disk format of a campaign file. JSON files are accepted as
// well since JSON is valid YAML.
//
//	campaigns:
//	  - name: winback
//	    definition:
//	      id: winback
//	      entry: email
//	      steps: [...]
//	    segment:
//	      id: inactive-30
//	      predicate: {kind: since, trait: last_purchase_at, op: gte, window: 720h}
type File struct {
	Campaigns []api.CampaignSpec `yaml:"campaigns"`
}

// Load decodes a campaign file from r.
func Load(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("decode campaign file: %w", err)
	}
	return &f, nil
}

// LoadFile decodes the campaign file at path.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Load(fh)
}

// ValidateSpec checks a campaign spec the way CreateCampaign does.
func ValidateSpec(spec api.CampaignSpec) error {
	var errs []error
	if err := Validate(spec.Definition); err != nil {
		errs = append(errs, err)
	}
	if spec.Segment.ID == "" {
		errs = append(errs, fmt.Errorf("%w: segment needs an id", api.ErrInvalidDefinition))
	}
	if err := predicate.Validate(spec.Segment.Predicate); err != nil {
		errs = append(errs, fmt.Errorf("%w: segment %q: %w", api.ErrInvalidDefinition, spec.Segment.ID, err))
	}
	switch spec.Reentry {
	case "", api.ReentryNever, api.ReentryAfterTerminal:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown reentry policy %q", api.ErrInvalidDefinition, spec.Reentry))
	}
	return errors.Join(errs...)
}

// Validate checks every campaign in the file and reports problems by name.
func (f *File) Validate() error {
	var errs []error
	for i, c := range f.Campaigns {
		if err := ValidateSpec(c); err != nil {
			name := c.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			errs = append(errs, fmt.Errorf("campaign %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
