package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeCall   IDType = "call"
	IDTypeSubmit IDType = "sub"
)

var validIDTypes = map[IDType]bool{
	IDTypeCall:   true,
	IDTypeSubmit: true,
}

// GenerateID returns "<type>_<unix seconds>_<8 hex>". Direct calls use
// IDTypeCall; EnsureJobID uses IDTypeSubmit.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	suffix := strings.ReplaceAll(u.String(), "-", "")[:8]
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), suffix), nil
}

// EnsureJobID returns the job document with a generated submit id when its
// job_id is missing or blank, along with the id it carries. Documents that are
// not JSON objects come back unchanged for DecodeJob to reject.
func EnsureJobID(data []byte) ([]byte, string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return data, "", nil
	}
	if raw, ok := doc["job_id"]; ok {
		var id string
		if json.Unmarshal(raw, &id) == nil && strings.TrimSpace(id) != "" {
			return data, strings.TrimSpace(id), nil
		}
	}
	id, err := GenerateID(IDTypeSubmit)
	if err != nil {
		return nil, "", err
	}
	doc["job_id"], _ = json.Marshal(id)
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("encode job: %w", err)
	}
	return out, id, nil
}

const (
	jobFileSuffix    = ".job.json"
	jsonFileSuffix   = ".json"
	resultFileSuffix = ".result.json"
)

// FileStem returns the job stem of a dropped file name:
// "x.job.json" and "x.json" both give "x".
func FileStem(name string) string {
	base := filepath.Base(name)
	switch {
	case strings.HasSuffix(base, jobFileSuffix):
		return strings.TrimSuffix(base, jobFileSuffix)
	case strings.HasSuffix(base, jsonFileSuffix):
		return strings.TrimSuffix(base, jsonFileSuffix)
	}
	return base
}

// ResultFileName returns the result file name paired with a job file name.
func ResultFileName(name string) string {
	return FileStem(name) + resultFileSuffix
}

// IsJobFileName reports whether a file in the watched directory is a job file:
// a *.json that is not a result, a dotfile, or an editor/temporary file.
func IsJobFileName(name string) bool {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, jsonFileSuffix) || strings.HasSuffix(base, resultFileSuffix) {
		return false
	}
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") || strings.HasSuffix(base, "~") {
		return false
	}
	if strings.Contains(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return false
	}
	return FileStem(base) != ""
}
