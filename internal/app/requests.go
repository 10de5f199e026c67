package app

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"pawlenx/api/internal/ingest"
	"pawlenx/api/internal/pets"
)

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r signupRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return validationError("name is required")
	}
	if strings.TrimSpace(r.Email) == "" {
		return validationError("email is required")
	}
	if r.Password == "" {
		return validationError("password is required")
	}
	return nil
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (r loginRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" || r.Password == "" {
		return validationError("name and password are required")
	}
	return nil
}

// flexNumber accepts a JSON number or a numeric string. An empty string or
// null leaves it unset.
type flexNumber struct {
	Value float64
	Set   bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = flexNumber{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return n.parse(s)
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("expected a number")
	}
	*n = flexNumber{Value: v, Set: true}
	return nil
}

func (n *flexNumber) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*n = flexNumber{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%q is not a number", s)
	}
	*n = flexNumber{Value: v, Set: true}
	return nil
}

// petRequest is the body of the pet create and update endpoints. Pointer
// strings distinguish an absent field from an empty one on update.
type petRequest struct {
	Name   *string    `json:"petName"`
	Type   *string    `json:"petType"`
	Breed  *string    `json:"petBreed"`
	Age    flexNumber `json:"petAge"`
	Weight flexNumber `json:"petWeight"`
	// Photo is an optional data URI, as sent by the dashboard.
	Photo string `json:"petPhoto"`
}

func (r petRequest) validate(create bool) error {
	if create && (r.Name == nil || strings.TrimSpace(*r.Name) == "") {
		return validationError("petName is required")
	}
	if !create && r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return validationError("petName must not be empty")
	}
	if r.Age.Set && (r.Age.Value != math.Trunc(r.Age.Value) || r.Age.Value < 0 || r.Age.Value > 100) {
		return validationError("petAge must be a whole number between 0 and 100")
	}
	if r.Weight.Set && r.Weight.Value <= 0 {
		return validationError("petWeight must be positive")
	}
	if r.Type != nil && strings.TrimSpace(*r.Type) != "" {
		if _, ok := pets.CanonicalType(*r.Type); !ok {
			return validationError("petType is not supported")
		}
	}
	return nil
}

func (r petRequest) fields() pets.Fields {
	f := pets.Fields{Name: deref(r.Name), Breed: deref(r.Breed), Type: deref(r.Type)}
	if r.Age.Set {
		f.Age = int(r.Age.Value)
	}
	if r.Weight.Set {
		w := r.Weight.Value
		f.Weight = &w
	}
	return f
}

func (r petRequest) patch() pets.Patch {
	p := pets.Patch{Name: r.Name, Breed: r.Breed, Type: r.Type}
	if r.Age.Set {
		age := int(r.Age.Value)
		p.Age = &age
	}
	if r.Weight.Set {
		w := r.Weight.Value
		p.Weight = &w
	}
	return p
}

// petRequestFromForm reads the same fields from a multipart form.
func petRequestFromForm(values map[string][]string) (petRequest, error) {
	var req petRequest
	get := func(key string) *string {
		if v, ok := values[key]; ok && len(v) > 0 {
			s := v[0]
			return &s
		}
		return nil
	}
	req.Name = get("petName")
	req.Type = get("petType")
	req.Breed = get("petBreed")
	if v := get("petAge"); v != nil {
		if err := req.Age.parse(*v); err != nil {
			return petRequest{}, validationError("petAge: " + err.Error())
		}
	}
	if v := get("petWeight"); v != nil {
		if err := req.Weight.parse(*v); err != nil {
			return petRequest{}, validationError("petWeight: " + err.Error())
		}
	}
	return req, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// photoPart decodes a data:<type>;base64,<payload> photo. An empty field
// means no photo.
func (r petRequest) photoPart() (*ingest.Part, error) {
	raw := strings.TrimSpace(r.Photo)
	if raw == "" {
		return nil, nil
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasPrefix(raw, "data:") {
		return nil, validationError("petPhoto must be a data URI")
	}
	contentType, encoded := strings.CutSuffix(meta, ";base64")
	if !encoded {
		return nil, validationError("petPhoto must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, validationError("petPhoto is not valid base64")
	}
	return &ingest.Part{ContentType: contentType, Content: bytes.NewReader(data)}, nil
}
