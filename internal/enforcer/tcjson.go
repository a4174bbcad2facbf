// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"encoding/json"
	"os/exec"
	"strings"

	"grimm.is/cellmeter/internal/errors"
)

// Older iproute2 releases emit non-conforming JSON from `tc -j`: some
// qdisc kinds render their options value as a bare token run, e.g.
// `"options":{rate 1Mbit burst 3840b lat 10.0ms }`. The dump only
// parses as JSON after those segments are removed.

// deleteMalformedOptionsElement strips every `,"options":{...}` segment
// from s, balancing braces so nested runs are consumed whole. The
// content between the braces is not required to be valid JSON.
func deleteMalformedOptionsElement(s string) string {
	const key = `,"options":`

	var b strings.Builder
	for {
		i := strings.Index(s, key)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		if i+len(key) >= len(s) || s[i+len(key)] != '{' {
			// Not followed by an object: keep the text verbatim and move on.
			b.WriteString(s[:i+len(key)])
			s = s[i+len(key):]
			continue
		}

		b.WriteString(s[:i])
		rest := s[i+len(key):]
		depth := 0
		end := len(rest)
		for j := 0; j < len(rest); j++ {
			switch rest[j] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = j + 1
					j = len(rest)
				}
			}
		}
		s = rest[end:]
	}
}

// qdiscDump is the subset of `tc -j qdisc show` output read when
// deciding whether pre-existing state must be cleared at startup.
type qdiscDump struct {
	Kind   string `json:"kind"`
	Handle string `json:"handle"`
	Parent string `json:"parent"`
	Root   bool   `json:"root"`
}

func decodeQdiscDump(raw []byte) ([]qdiscDump, error) {
	cleaned := deleteMalformedOptionsElement(string(raw))

	var dump []qdiscDump
	if err := json.Unmarshal([]byte(cleaned), &dump); err != nil {
		return nil, errors.Wrap(err, errors.KindKernelEffect, "decode tc qdisc dump")
	}
	return dump, nil
}

// listQdiscDump queries the current qdisc list on dev via tc's JSON
// output, pre-filtered for the malformed options emission above.
func listQdiscDump(dev string) ([]qdiscDump, error) {
	out, err := exec.Command("tc", "-j", "qdisc", "show", "dev", dev).Output()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindKernelEffect, "tc qdisc show dev %s", dev)
	}
	return decodeQdiscDump(out)
}
