package testing

import "os"

// WithFiles pre-populates the mock filesystem with root-owned 0644 files.
// Keys are paths, values are file contents.
func WithFiles(client *MockClient, files map[string]string) {
	for path, content := range files {
		client.GetFS().WriteFile(path, []byte(content), os.FileMode(0o644))
	}
}
