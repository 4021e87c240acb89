// Package validation checks workflow definition patches before they are
// applied. The store revalidates the patched graph by building it; this
// layer rejects requests that should never reach the store.
package validation

import (
	"fmt"
	"strings"
)

const (
	// MaxOperations bounds a single patch request
	MaxOperations = 50

	// MaxLLMNodesPerPatch caps how many llm nodes one patch may add,
	// mirroring the tiered rate limits on execution starts
	MaxLLMNodesPerPatch = 5
)

// patchableRoots are the definition fields a patch may touch. The id is
// deliberately absent: workflow identity never changes under patch.
var patchableRoots = []string{
	"/nodes",
	"/edges",
	"/name",
	"/entryPoint",
	"/maxConcurrentNodes",
	"/metadata",
}

// PatchValidator validates JSON Patch operations against workflow
// definitions
type PatchValidator struct{}

// NewPatchValidator creates a new patch validator
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{}
}

// ValidateOperations validates all patch operations
func (v *PatchValidator) ValidateOperations(operations []map[string]interface{}) error {
	if len(operations) == 0 {
		return fmt.Errorf("patch validation failed: patch contains no operations")
	}
	if len(operations) > MaxOperations {
		return fmt.Errorf("patch validation failed: too many operations (%d, max %d)", len(operations), MaxOperations)
	}

	llmCount := 0
	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}

		// Count llm nodes being added
		if op["op"] == "add" && isNodePath(op["path"]) {
			if value, ok := op["value"].(map[string]interface{}); ok {
				if nodeType, ok := value["type"].(string); ok && nodeType == "llm" {
					llmCount++
				}
			}
		}
	}

	if llmCount > MaxLLMNodesPerPatch {
		return fmt.Errorf("patch validation failed: cannot add more than %d llm nodes per patch (attempted: %d)", MaxLLMNodesPerPatch, llmCount)
	}

	return nil
}

// validateOperation validates a single operation
func (v *PatchValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}

	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}
	if !pathAllowed(path) {
		return fmt.Errorf("operation %d: path %q is not patchable", index, path)
	}

	switch opType {
	case "add", "replace":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}

		// Node additions must at least look like nodes
		if isNodePath(path) && opType == "add" {
			if err := v.validateNodeValue(op["value"], index); err != nil {
				return err
			}
		}

	case "remove":
		return nil

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}

	return nil
}

// validateNodeValue validates a node value in a patch
func (v *PatchValidator) validateNodeValue(value interface{}, opIndex int) error {
	nodeValue, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("operation %d: node value must be an object, got %T", opIndex, value)
	}

	if _, ok := nodeValue["id"].(string); !ok {
		return fmt.Errorf("operation %d: node must have 'id' field (string)", opIndex)
	}
	if _, ok := nodeValue["type"].(string); !ok {
		return fmt.Errorf("operation %d: node must have 'type' field (string)", opIndex)
	}

	if config, exists := nodeValue["config"]; exists {
		// Config MUST be an object, not array/string
		if _, ok := config.(map[string]interface{}); !ok {
			return fmt.Errorf("operation %d: node 'config' must be an object, got %T (hint: use {\"key\": \"value\"}, not [\"key\"])", opIndex, config)
		}
	}

	return nil
}

func pathAllowed(path string) bool {
	for _, root := range patchableRoots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// isNodePath reports whether the path targets an entry of /nodes, either
// appended ("/nodes/-") or indexed ("/nodes/3")
func isNodePath(path interface{}) bool {
	p, ok := path.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(p, "/nodes/")
}
