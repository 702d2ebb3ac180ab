package lifecycle

import (
	"io"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// prepareJail materializes jailDir and returns the LaunchSpec Firecracker
// itself must see once chrooted there: every path fc_config names is
// rewritten to its "/"+basename form, and every file that lives outside
// jailDir (kernel, rootfs, config/data/secrets images — everything
// except the socket/vsock/log paths buildLaunchSpec already placed
// under jailDir) is hard-linked in, falling back to a copy across a
// filesystem boundary.
func prepareJail(jailDir string, spec vmmdriver.LaunchSpec) (vmmdriver.LaunchSpec, error) {
	if err := os.MkdirAll(jailDir, 0o700); err != nil {
		return spec, ferr.Wrap(ferr.KindIo, "creating jail dir "+jailDir, err)
	}

	linked := spec
	var err error
	if linked.KernelPath, err = linkInto(jailDir, spec.KernelPath); err != nil {
		return spec, err
	}
	if linked.RootDrive.PathOnHost, err = linkInto(jailDir, spec.RootDrive.PathOnHost); err != nil {
		return spec, err
	}
	if spec.ConfigDrive.PathOnHost != "" {
		if linked.ConfigDrive.PathOnHost, err = linkInto(jailDir, spec.ConfigDrive.PathOnHost); err != nil {
			return spec, err
		}
	}
	if linked.DataDrive.PathOnHost, err = linkInto(jailDir, spec.DataDrive.PathOnHost); err != nil {
		return spec, err
	}
	if spec.SecretsDrive.PathOnHost != "" {
		if linked.SecretsDrive.PathOnHost, err = linkInto(jailDir, spec.SecretsDrive.PathOnHost); err != nil {
			return spec, err
		}
	}

	// These already live directly under jailDir (buildLaunchSpec placed
	// them there when the caller passed jailDir as the runtime root); no
	// linking needed, only the jail-relative rewrite.
	if spec.VsockPath != "" {
		linked.VsockPath = "/" + filepath.Base(spec.VsockPath)
	}
	linked.LogFIFO = "/" + filepath.Base(spec.LogFIFO)
	linked.MetricsFIFO = "/" + filepath.Base(spec.MetricsFIFO)

	return linked, nil
}

// linkInto hard-links src into dir under its own basename, falling back
// to a full copy when src and dir span filesystems (EXDEV), and returns
// the jail-relative path Firecracker itself should be told.
func linkInto(dir, src string) (string, error) {
	base := filepath.Base(src)
	dst := filepath.Join(dir, base)
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err != nil {
		if copyErr := copyFile(src, dst); copyErr != nil {
			return "", ferr.Wrap(ferr.KindIo, "linking "+src+" into jail", err)
		}
	}
	return "/" + base, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
