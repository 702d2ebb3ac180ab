// Package diskdriver implements the disk driver (spec component D,
// §4.4): persistent ext4 data volumes, ephemeral tmpfs secrets/config
// images built with mkfs.ext4 + debugfs (grounded on the teacher's
// internal/firecracker/code_drive.go), and AEAD-wrapped encrypted
// volumes.
package diskdriver

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// EnsureDataDisk creates a sparse ext4 file at path of sizeMiB if
// absent; an existing file is left untouched (spec §4.4).
func EnsureDataDisk(path string, sizeMiB int) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "creating data disk "+path, err)
	}
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		f.Close()
		os.Remove(path)
		return ferr.Wrap(ferr.KindIo, "truncating data disk "+path, err)
	}
	f.Close()
	if out, err := exec.Command("mkfs.ext4", "-F", "-q", path).CombinedOutput(); err != nil {
		os.Remove(path)
		return ferr.Wrap(ferr.KindIo, fmt.Sprintf("mkfs.ext4 %s: %s", path, out), err)
	}
	return nil
}

// BuildImage creates an ext4 image at path (sizeMiB) and injects files
// (relative path -> content) via debugfs, without ever mounting the
// image — the same no-mount injection idiom the teacher uses for code
// drives. Used for both the secrets image (tmpfs, §4.4) and the config
// image.
func BuildImage(path string, sizeMiB int, files map[string][]byte, fileMode string) error {
	f, err := os.Create(path)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "creating image "+path, err)
	}
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		f.Close()
		os.Remove(path)
		return ferr.Wrap(ferr.KindIo, "truncating image "+path, err)
	}
	f.Close()

	if out, err := exec.Command("mkfs.ext4", "-F", "-q", path).CombinedOutput(); err != nil {
		os.Remove(path)
		return ferr.Wrap(ferr.KindIo, fmt.Sprintf("mkfs.ext4 %s: %s", path, out), err)
	}

	dirs := collectParentDirs(files)
	var cmds strings.Builder
	for _, dir := range dirs {
		cmds.WriteString(fmt.Sprintf("mkdir %s\n", dir))
	}

	tmpDir, err := os.MkdirTemp("", "fleetd-image-*")
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "creating staging dir", err)
	}
	defer os.RemoveAll(tmpDir)

	for relPath, content := range files {
		staged := tmpDir + "/" + strings.ReplaceAll(relPath, "/", "_")
		if err := os.WriteFile(staged, content, 0o600); err != nil {
			return ferr.Wrap(ferr.KindIo, "staging file "+relPath, err)
		}
		cmds.WriteString(fmt.Sprintf("write %s %s\n", staged, relPath))
		cmds.WriteString(fmt.Sprintf("sif %s mode %s\n", relPath, fileMode))
	}

	cmd := exec.Command("debugfs", "-w", path)
	cmd.Stdin = strings.NewReader(cmds.String())
	if out, err := cmd.CombinedOutput(); err != nil {
		return ferr.Wrap(ferr.KindIo, fmt.Sprintf("debugfs inject into %s: %s", path, out), err)
	}
	return nil
}

func collectParentDirs(files map[string][]byte) []string {
	seen := map[string]bool{}
	var dirs []string
	for path := range files {
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/")
			if dir != "" && !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	// Shallowest first so debugfs mkdir never targets a missing parent.
	for i := range dirs {
		for j := i + 1; j < len(dirs); j++ {
			if strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/") {
				dirs[i], dirs[j] = dirs[j], dirs[i]
			}
		}
	}
	return dirs
}

// BuildSecretsImage builds the secrets ext4 image on tmpfs. flat holds
// a single secrets.json payload; when scoped is non-nil, a per-
// integration tree secrets/<integration>/<KEY> is built instead (spec
// §6.2). The outer image file is mode 0600; injected files are 0400.
func BuildSecretsImage(tmpDir, instanceID string, flat []byte, scoped map[string]map[string]string) (string, error) {
	path := tmpDir + "/" + instanceID + "-secrets.ext4"
	files := map[string][]byte{}
	if scoped != nil {
		for integration, kv := range scoped {
			for key, val := range kv {
				files[fmt.Sprintf("secrets/%s/%s", integration, key)] = []byte(val)
			}
		}
	} else {
		files["secrets.json"] = flat
	}
	if err := BuildImage(path, 4, files, "0400"); err != nil {
		return "", err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", ferr.Wrap(ferr.KindIo, "chmod secrets image", err)
	}
	return path, nil
}

// BuildConfigImage builds the read-only config ext4 image holding
// config.json and, for Gateway-role pools, routes.json (spec §4.4,
// §6.2).
func BuildConfigImage(tmpDir, instanceID string, configJSON []byte, routesJSON []byte) (string, error) {
	path := tmpDir + "/" + instanceID + "-config.ext4"
	files := map[string][]byte{"config.json": configJSON}
	if routesJSON != nil {
		files["routes.json"] = routesJSON
	}
	if err := BuildImage(path, 4, files, "0444"); err != nil {
		return "", err
	}
	return path, nil
}
