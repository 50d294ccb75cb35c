package skillpkg

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/pkg/skill"
)

//go:embed data/manifest.schema.json
var manifestSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(manifestSchema)

// ValidateManifest checks raw manifest.json bytes and returns the decoded
// manifest, or the list of problems found.
func ValidateManifest(raw []byte) (*skill.Manifest, []apierr.FieldError) {
	return parseManifest(raw)
}

func parseManifest(raw []byte) (*skill.Manifest, []apierr.FieldError) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, []apierr.FieldError{{Field: "(root)", Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if !result.Valid() {
		errs := make([]apierr.FieldError, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, apierr.FieldError{Field: desc.Field(), Message: desc.Description()})
		}
		return nil, errs
	}

	var m skill.Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return nil, []apierr.FieldError{{Field: "(root)", Message: err.Error()}}
	}

	if m.Image != "" {
		if _, err := name.ParseReference(m.Image); err != nil {
			return nil, []apierr.FieldError{{Field: "image", Message: err.Error()}}
		}
	}
	return &m, nil
}
