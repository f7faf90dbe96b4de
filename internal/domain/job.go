package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var knownJobFields = map[string]bool{
	"id": true, "listedAt": true, "companyName": true,
	"title": true, "description": true, "isRemote": true,
}

// MarshalJSON writes the well-known fields followed by the pass-through ones.
func (j Job) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(j.Extra)+6)
	for k, v := range j.Extra {
		if !knownJobFields[k] {
			out[k] = v
		}
	}
	out["id"] = j.ID
	if j.ListedAt != "" {
		out["listedAt"] = j.ListedAt
	}
	if j.CompanyName != "" {
		out["companyName"] = j.CompanyName
	}
	if j.Title != "" {
		out["title"] = j.Title
	}
	if j.Description != "" {
		out["description"] = j.Description
	}
	if j.IsRemote != nil {
		out["isRemote"] = *j.IsRemote
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the well-known fields and keeps everything else in Extra.
// listedAt may arrive as a string or as epoch milliseconds.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}

	var job Job
	for k, v := range raw {
		var err error
		switch k {
		case "id":
			err = json.Unmarshal(v, &job.ID)
		case "listedAt":
			job.ListedAt, err = decodeListedAt(v)
		case "companyName":
			err = json.Unmarshal(v, &job.CompanyName)
		case "title":
			err = json.Unmarshal(v, &job.Title)
		case "description":
			err = json.Unmarshal(v, &job.Description)
		case "isRemote":
			if string(v) != "null" {
				var b bool
				err = json.Unmarshal(v, &b)
				job.IsRemote = &b
			}
		default:
			if job.Extra == nil {
				job.Extra = make(map[string]json.RawMessage)
			}
			job.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("decode job field %s: %w", k, err)
		}
	}

	*j = job
	return nil
}

func decodeListedAt(v json.RawMessage) (string, error) {
	s := strings.TrimSpace(string(v))
	if s == "null" || s == "" {
		return "", nil
	}
	if s[0] == '"' {
		var out string
		err := json.Unmarshal(v, &out)
		return out, err
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// ListedTime parses ListedAt. RFC 3339 timestamps, bare dates and epoch
// milliseconds are understood.
func (j Job) ListedTime() (time.Time, bool) {
	s := strings.TrimSpace(j.ListedAt)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}
