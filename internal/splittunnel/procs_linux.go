//go:build linux

package splittunnel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

type procInfo struct {
	exe  string
	ppid int
}

// scanProcs reads the executable and parent of every process under root.
// Processes that vanish mid-scan and kernel threads are skipped.
func scanProcs(root string) (map[int]procInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	procs := make(map[int]procInfo, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		exe, err := os.Readlink(filepath.Join(root, entry.Name(), "exe"))
		if err != nil {
			continue
		}
		ppid, err := readPpid(filepath.Join(root, entry.Name(), "stat"))
		if err != nil {
			continue
		}
		procs[pid] = procInfo{exe: strings.TrimSuffix(exe, " (deleted)"), ppid: ppid}
	}
	return procs, nil
}

// readPpid parses the parent pid from a stat file. The command name is
// parenthesised and may itself contain spaces or parentheses.
func readPpid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed %s", path)
	}
	fields := strings.Fields(string(data[end+1:]))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed %s", path)
	}
	return strconv.Atoi(fields[1])
}

// excludedPids returns the processes running an excluded executable along
// with all of their descendants.
func excludedPids(procs map[int]procInfo, paths map[string]struct{}) map[int]bool {
	memo := make(map[int]bool, len(procs))
	var visit func(pid, depth int) bool
	visit = func(pid, depth int) bool {
		if v, ok := memo[pid]; ok {
			return v
		}
		p, ok := procs[pid]
		if !ok || depth > len(procs) {
			return false
		}
		_, excluded := paths[p.exe]
		if !excluded && p.ppid > 1 && p.ppid != pid {
			excluded = visit(p.ppid, depth+1)
		}
		memo[pid] = excluded
		return excluded
	}

	out := make(map[int]bool)
	if len(paths) == 0 {
		return out
	}
	for pid := range procs {
		if visit(pid, 0) {
			out[pid] = true
		}
	}
	return out
}

// cgroup is the exclusion cgroup.
type cgroup interface {
	procs() (map[int]bool, error)
	add(pid int) error
	// remove moves pid back to the parent cgroup.
	remove(pid int) error
	destroy() error
}

type netClsCgroup struct {
	root string
	dir  string
}

// openNetCls creates (or reuses) the named net_cls cgroup under root and
// tags it with classID.
func openNetCls(root, name string, classID uint32) (*netClsCgroup, error) {
	if _, err := os.Stat(filepath.Join(root, "cgroup.procs")); err != nil {
		return nil, fmt.Errorf("%w: no net_cls controller at %s", ErrUnsupported, root)
	}
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create cgroup %s: %w", dir, err)
	}
	if err := writeValue(filepath.Join(dir, "net_cls.classid"), strconv.FormatUint(uint64(classID), 10)); err != nil {
		return nil, fmt.Errorf("set cgroup class id: %w", err)
	}
	return &netClsCgroup{root: root, dir: dir}, nil
}

func (c *netClsCgroup) procs() (map[int]bool, error) {
	f, err := os.Open(filepath.Join(c.dir, "cgroup.procs"))
	if errors.Is(err, os.ErrNotExist) {
		return map[int]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pids := make(map[int]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err == nil {
			pids[pid] = true
		}
	}
	return pids, scanner.Err()
}

func (c *netClsCgroup) add(pid int) error {
	return writeValue(filepath.Join(c.dir, "cgroup.procs"), strconv.Itoa(pid))
}

func (c *netClsCgroup) remove(pid int) error {
	return writeValue(filepath.Join(c.root, "cgroup.procs"), strconv.Itoa(pid))
}

func (c *netClsCgroup) destroy() error {
	pids, err := c.procs()
	if err != nil {
		return err
	}
	for pid := range pids {
		if err := c.remove(pid); err != nil && !isGone(err) {
			return fmt.Errorf("release pid %d: %w", pid, err)
		}
	}
	if err := os.Remove(c.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cgroup %s: %w", c.dir, err)
	}
	return nil
}

func writeValue(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

// isGone reports whether err means the process exited meanwhile.
func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
