package validation

import (
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

var (
	sysQueryRef = reference.Format([]string{reference.SystemNode, "query"})
	sysFilesRef = reference.Format([]string{reference.SystemNode, "files"})
)

// ShapePayload builds the transport payload for a node kind from flat
// values. Start nodes lift the system query and files to the top level;
// every other kind sends {inputs: values}.
func ShapePayload(kind schema.NodeKind, values map[string]any) map[string]any {
	inputs := make(map[string]any, len(values))
	payload := map[string]any{"inputs": inputs}
	for k, v := range values {
		if kind == schema.NodeKindStart {
			switch k {
			case sysQueryRef:
				payload["query"] = v
				continue
			case sysFilesRef:
				payload["files"] = v
				continue
			}
		}
		inputs[k] = v
	}
	return payload
}
