// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package awdlstm

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// SeedInput is the input of a seed template.
type SeedInput struct {
	Text  string `json:"text" yaml:"text"`
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`
}

// BuildSeedFromTemplateFile builds a seed applying the given input to the template file.
func BuildSeedFromTemplateFile(input SeedInput, filename string) (string, error) {
	st, err := template.ParseFiles(filename)
	if err != nil {
		return "", fmt.Errorf("unable to read the template file: %w", err)
	}
	return BuildSeedFromTemplate(input, st)
}

// BuildSeedFromTemplate builds a seed applying the given input to the
// template. White space runs of the result collapse to single spaces, since
// the seed is tokenized on white space anyway.
func BuildSeedFromTemplate(input SeedInput, st *template.Template) (string, error) {
	result := new(bytes.Buffer)
	err := st.Execute(result, input)
	if err != nil {
		return "", fmt.Errorf("unable to execute the template: %w", err)
	}
	return strings.Join(strings.Fields(result.String()), " "), nil
}
