// Package features encodes categorical flow attributes into model inputs.
package features

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrUnknownCategory is matched by every UnknownCategoryError.
var ErrUnknownCategory = errors.New("unknown category")

// UnknownCategoryError reports a value that was absent when the encoder was fit.
type UnknownCategoryError struct {
	Value string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q", e.Value)
}

// Is lets errors.Is match ErrUnknownCategory.
func (e *UnknownCategoryError) Is(target error) bool {
	return target == ErrUnknownCategory
}

// Encoder maps category strings to dense integer codes.
// An Encoder is never modified after Fit, so it can be shared freely.
type Encoder struct {
	categories []string
	codes      map[string]int
}

// Fit builds an encoder from the distinct values in first-seen order.
// The first distinct value gets code 0, the next 1, and so on.
func Fit(values []string) *Encoder {
	e := &Encoder{codes: make(map[string]int)}
	for _, v := range values {
		if _, ok := e.codes[v]; ok {
			continue
		}
		e.codes[v] = len(e.categories)
		e.categories = append(e.categories, v)
	}
	return e
}

// TransformOne returns the code for a single value.
func (e *Encoder) TransformOne(value string) (int, error) {
	code, ok := e.codes[value]
	if !ok {
		return 0, &UnknownCategoryError{Value: value}
	}
	return code, nil
}

// Transform returns the codes for values. It fails on the first unseen value.
func (e *Encoder) Transform(values []string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		code, err := e.TransformOne(v)
		if err != nil {
			return nil, err
		}
		out[i] = code
	}
	return out, nil
}

// Categories returns the fitted categories ordered by code.
func (e *Encoder) Categories() []string {
	out := make([]string, len(e.categories))
	copy(out, e.categories)
	return out
}

// Len returns the number of known categories.
func (e *Encoder) Len() int {
	return len(e.categories)
}

// Save serializes the encoder.
func (e *Encoder) Save() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e.categories); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores an encoder produced by Save.
func Load(data []byte) (*Encoder, error) {
	var categories []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&categories); err != nil {
		return nil, fmt.Errorf("decode encoder: %w", err)
	}
	e := Fit(categories)
	if e.Len() != len(categories) {
		return nil, errors.New("decode encoder: duplicate categories")
	}
	return e, nil
}
