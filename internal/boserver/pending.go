package boserver

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// decodePendingInventory parses a pending-inventory YAML stream into a
// path->entry map plus the order paths appeared in the document, since
// the action loop must iterate in file order (spec 4.5 tie-break), not
// map iteration order.
func decodePendingInventory(r io.Reader) (map[string]pendingFileEntry, []string, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return map[string]pendingFileEntry{}, nil, nil
		}
		return nil, nil, errors.Wrap(err, "decode pending inventory")
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind == 0 {
		return map[string]pendingFileEntry{}, nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, nil, errors.New("pending inventory is not a mapping")
	}

	entries := make(map[string]pendingFileEntry, len(root.Content)/2)
	order := make([]string, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		var entry pendingFileEntry
		if err := root.Content[i+1].Decode(&entry); err != nil {
			return nil, nil, errors.Wrapf(err, "decode entry %s", key)
		}
		entries[key] = entry
		order = append(order, key)
	}
	return entries, order, nil
}
