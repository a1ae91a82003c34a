// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-pmu/pkg/logger"
	"github.com/parca-dev/parca-pmu/pkg/sink"
)

type flags struct {
	LogLevel string `default:"info" enum:"error,warn,info,debug" help:"Log level."`

	Path     string `arg:"" help:"Sample file to dump." type:"existingfile"`
	Metadata string `help:"Process metadata file to dump as well." type:"existingfile"`
	Summary  bool   `help:"Only print the number of records per type."`
}

func main() {
	f := flags{}
	kong.Parse(&f)
	logger := logger.NewLogger(f.LogLevel, logger.LogFormatLogfmt, "prd-dump")

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	if err := dumpSamples(w, f.Path, f.Summary); err != nil {
		level.Error(logger).Log("msg", "failed to dump sample file", "path", f.Path, "err", err)
		w.Flush()
		os.Exit(1)
	}
	if f.Metadata != "" {
		if err := dumpMetadata(w, f.Metadata); err != nil {
			level.Error(logger).Log("msg", "failed to dump metadata file", "path", f.Metadata, "err", err)
			w.Flush()
			os.Exit(1)
		}
	}
}

func dumpSamples(w io.Writer, path string, summary bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r, err := sink.NewReader(bufio.NewReader(file))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# version=%d compression=%s frequency=%d host=%016x start=%d\n",
		r.Header.Version, r.Header.Compression, r.Header.Frequency, r.Header.HostID, r.Header.StartTime)

	counts := map[string]uint64{}
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(fmt.Sprintf("%T", rec), "*sink.")
		counts[name]++
		if !summary {
			fmt.Fprintf(w, "%s %+v\n", name, rec)
		}
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "# %s: %s\n", name, humanize.Comma(int64(counts[name])))
	}
	return nil
}

func dumpMetadata(w io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	hostID, procs, err := sink.ReadMetadata(bufio.NewReader(file))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# metadata host=%016x processes=%d\n", hostID, len(procs))
	for _, p := range procs {
		fmt.Fprintf(w, "pid=%d ppid=%d core=%d at=%s comm=%q exe=%q\n",
			p.PID, p.ParentPID, p.Core, time.Duration(p.Timestamp), p.Comm, p.Executable)
	}
	return nil
}
