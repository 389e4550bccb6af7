// Copyright 2026, Square, Inc.

package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/square/uws/batch"
	"github.com/square/uws/proto"
)

// Input is one by-reference parameter to stage in the jobdata inputs
// directory before the job script runs.
type Input struct {
	Param string // parameter name
	File  string // base name in the inputs directory
	URL   string // set if the input is downloaded
}

// Inputs returns the inputs of job to stage: uploaded files (file://name) and
// http(s) URLs.
func Inputs(job proto.Job) ([]Input, error) {
	inputs := []Input{}
	for _, p := range job.Parameters {
		if !p.ByRef {
			continue
		}
		for _, v := range splitValues(p.Value) {
			switch {
			case strings.HasPrefix(v, batch.FILE_SCHEME):
				name := filepath.Base(strings.TrimPrefix(v, batch.FILE_SCHEME))
				if name == "." || name == "/" {
					return nil, fmt.Errorf("parameter %s: invalid file name %q", p.Name, v)
				}
				inputs = append(inputs, Input{Param: p.Name, File: name})
			case strings.HasPrefix(v, "http://"), strings.HasPrefix(v, "https://"):
				u, err := url.Parse(v)
				if err != nil {
					return nil, fmt.Errorf("parameter %s: %s", p.Name, err)
				}
				name := path.Base(u.Path)
				if name == "." || name == "/" {
					name = p.Name
				}
				inputs = append(inputs, Input{Param: p.Name, File: name, URL: v})
			}
		}
	}
	return inputs, nil
}

// splitValues splits a multi-valued input joined by spaces or commas.
func splitValues(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// InputNames returns the file names of inputs.
func InputNames(inputs []Input) []string {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.File
	}
	return names
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func download(ctx context.Context, client *http.Client, rawURL, dst string) error {
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
