package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/remediation"
)

// readDoc parses a YAML or JSON file. JSON is read by the YAML decoder.
func readDoc(path string) (*yaml.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, eris.Errorf("%s is empty", path)
	}
	return doc.Content[0], nil
}

// readPromoteFile accepts either a full promote request or a bare list of
// candidates.
func readPromoteFile(path string) (remediation.PromoteRequest, error) {
	node, err := readDoc(path)
	if err != nil {
		return remediation.PromoteRequest{}, err
	}
	var req remediation.PromoteRequest
	if node.Kind == yaml.SequenceNode {
		err = node.Decode(&req.Candidates)
	} else {
		err = node.Decode(&req)
	}
	if err != nil {
		return remediation.PromoteRequest{}, eris.Wrapf(err, "decode candidates in %s", path)
	}
	return req, nil
}

// readEvidenceFile accepts a list of evidence or a document with an
// evidence key.
func readEvidenceFile(path string) ([]model.Evidence, error) {
	if path == "" {
		return nil, nil
	}
	node, err := readDoc(path)
	if err != nil {
		return nil, err
	}
	var out []model.Evidence
	if node.Kind == yaml.SequenceNode {
		err = node.Decode(&out)
	} else {
		var doc struct {
			Evidence []model.Evidence `yaml:"evidence"`
		}
		err = node.Decode(&doc)
		out = doc.Evidence
	}
	if err != nil {
		return nil, eris.Wrapf(err, "decode evidence in %s", path)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
