package mirror

import (
	"io/fs"
	"path/filepath"
)

// snapshot populates the document from the current directory contents and
// establishes the initial directory watches. Runs before the event loop, so
// no observer sees the build.
func (m *Mirror) snapshot() error {
	if err := m.watchDir(m.root); err != nil {
		return err
	}

	return filepath.WalkDir(m.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		path = filepath.Clean(path)
		if path == m.root {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		parent := m.nodes[filepath.Dir(path)]
		if parent == nil {
			return nil
		}
		node := m.buildNode(path, info)
		if err := parent.Append(node); err != nil {
			return nil
		}
		m.nodes[path] = node
		if entry.IsDir() {
			return m.watchDir(path)
		}
		return nil
	})
}
