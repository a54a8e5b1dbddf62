package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ccollins476ad/implayerfetch/download"
	"github.com/flytam/filenamify"
	log "github.com/sirupsen/logrus"
	"mvdan.cc/xurls/v2"
)

// Catalog returns the built-in list of playlists and program guides.
func Catalog() []TaskSpec {
	return []TaskSpec{
		{URL: "http://m3u4u.com/m3u/3wk1y24kx7uzdevxygz7", Name: "epgbrasil.m3u", Group: "m3u"},
		{URL: "http://m3u4u.com/m3u/jq2zy9epr3bwxmgwyxr5", Name: "epgportugal.m3u", Group: "m3u"},
		{URL: "http://m3u4u.com/m3u/782dyqdrqkh1xegen4zp", Name: "epgbrasilportugal.m3u", Group: "m3u"},
		{URL: "https://gitlab.com/josieljefferson12/playlists/-/raw/main/PiauiTV.m3u", Name: "PiauiTV.m3u", Group: "m3u"},
		{URL: "https://gitlab.com/josieljefferson12/playlists/-/raw/main/m3u4u_proton.me.m3u", Name: "m3u@proton.me.m3u", Group: "m3u"},
		{URL: "http://m3u4u.com/epg/3wk1y24kx7uzdevxygz7", Name: "epgbrasil.xml.gz", Group: "xml.gz"},
		{URL: "http://m3u4u.com/epg/jq2zy9epr3bwxmgwyxr5", Name: "epgportugal.xml.gz", Group: "xml.gz"},
		{URL: "http://m3u4u.com/epg/782dyqdrqkh1xegen4zp", Name: "epgbrasilportugal.xml.gz", Group: "xml.gz"},
	}
}

// ReadTaskList parses a plain-text task list. Each non-blank line that does
// not start with '#' holds a url optionally followed by the file name to save
// it under, separated by whitespace. The url is taken verbatim; one that is
// not recognizable is kept so that the fetch reports it as invalid.
func ReadTaskList(r io.Reader) ([]TaskSpec, error) {
	rx := xurls.Strict()

	var specs []TaskSpec
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		first := strings.Fields(line)[0]
		if rx.FindString(first) != first {
			log.Warnf("task list line %d: not a url: %s", lineNum, first)
		}

		specs = append(specs, TaskSpec{
			URL:  first,
			Name: strings.TrimSpace(line[len(first):]),
		})
	}

	err := scanner.Err()
	if err != nil {
		return nil, err
	}

	return specs, nil
}

// ReadTaskListFile calls ReadTaskList on the file with the given path.
func ReadTaskListFile(filename string) ([]TaskSpec, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadTaskList(f)
}

// DefaultName returns the file name used for a url when the configuration
// doesn't give one: the last path element, or the host if the path is empty,
// made safe for use as a file name.
func DefaultName(u string) (string, error) {
	base := u
	if parsed, err := url.Parse(u); err == nil {
		base = path.Base(parsed.Path)
		if base == "" || base == "/" || base == "." {
			base = parsed.Host
		}
		if base == "" {
			base = u
		}
	}

	return filenamify.Filenamify(base, filenamify.Options{Replacement: "_"})
}

// GroupOf returns the group a file name belongs to for the indexed naming
// scheme: its extension, including a preceding extension for compressed
// files (e.g. "xml.gz").
func GroupOf(name string) string {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "gz" || ext == "bz2" || ext == "xz" || ext == "zst" {
		inner := strings.TrimPrefix(path.Ext(strings.TrimSuffix(name, "."+ext)), ".")
		if inner != "" {
			return inner + "." + ext
		}
	}
	return ext
}

// BuildTasks resolves the configured task specs into download tasks rooted
// at the output directory. Names are used unmodified under the original
// naming scheme; they must stay inside the output directory.
func (c *Config) BuildTasks() ([]download.Task, error) {
	counters := map[string]int{}
	tasks := make([]download.Task, 0, len(c.Tasks))

	for i, spec := range c.Tasks {
		name := spec.Name
		if name == "" {
			var err error
			name, err = DefaultName(spec.URL)
			if err != nil {
				return nil, fmt.Errorf("task %d: failed to derive file name from url=%s: %w", i+1, spec.URL, err)
			}
		}

		if c.Naming == NamingIndexed {
			group := spec.Group
			if group == "" {
				group = GroupOf(name)
			}
			if group == "" {
				return nil, fmt.Errorf("task %d: no group for %s", i+1, name)
			}
			counters[group]++
			name = fmt.Sprintf("%s_%d.%s", c.IndexPrefix, counters[group], group)
		}

		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("task %d: file name escapes output directory: %s", i+1, name)
		}
		if filepath.Clean(name) == "." {
			return nil, fmt.Errorf("task %d: file name refers to the output directory: %q", i+1, name)
		}

		tasks = append(tasks, download.Task{
			URL:  spec.URL,
			Dest: filepath.Join(c.OutputDir, name),
		})
	}

	return tasks, nil
}
