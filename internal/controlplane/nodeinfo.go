package controlplane

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// probeNodeInfo answers NodeInfo with a handful of cheap filesystem/exec
// probes, grounded on the teacher's DefaultConfig environment-driven
// backend selection — here, the presence of the jailer binary and a
// cgroup v2 mount stand in for the teacher's NOVA_BACKEND-style probing
// of what the host actually supports.
func (s *Server) probeNodeInfo() NodeInfoResponse {
	return NodeInfoResponse{
		NodeID:              s.nodeID,
		Architecture:        runtime.GOARCH,
		VCPUs:               runtime.NumCPU(),
		MemMiB:              totalMemMiB(),
		JailerAvailable:     fileExists(s.jailerBin),
		CgroupV2Available:   fileExists("/sys/fs/cgroup/cgroup.controllers"),
		AttestationProvider: s.attestationProvider,
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// totalMemMiB reads the host's total memory from /proc/meminfo; 0 on a
// non-Linux host or if the file is unreadable.
func totalMemMiB() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kib, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kib / 1024
	}
	return 0
}
