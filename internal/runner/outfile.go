package runner

import (
	"archive/zip"
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"extracthub/internal/dateparse"
	"extracthub/internal/model"
	"extracthub/internal/params"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName flattens a project or task name into a path segment.
func sanitizeName(name string) string {
	out := unsafePathChars.ReplaceAllString(name, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return "unnamed"
	}
	return out
}

// buildFileName evaluates date directives and parameters in the configured
// destination name, falling back to a timestamped default.
func buildFileName(task *model.Task, ps *params.Set, now time.Time) (string, error) {
	if task.DestFileName == "" {
		return fmt.Sprintf("%s_%s.csv", sanitizeName(task.Name), now.Format("20060102150405")), nil
	}

	name, err := dateparse.EvaluateAt(now, task.DestFileName)
	if err != nil {
		return "", fmt.Errorf("file name %q: %w", task.DestFileName, err)
	}
	if ps != nil {
		name = ps.InsertFileParams(name)
	}
	return name, nil
}

// buildZipName resolves the archive name the same way, defaulting to the
// data file's name with the extension swapped.
func buildZipName(task *model.Task, ps *params.Set, dataName string, now time.Time) (string, error) {
	if task.DestZipName == "" {
		ext := strings.LastIndex(dataName, ".")
		if ext < 0 {
			return dataName + ".zip", nil
		}
		return dataName[:ext] + ".zip", nil
	}

	name, err := dateparse.EvaluateAt(now, task.DestZipName)
	if err != nil {
		return "", fmt.Errorf("zip name %q: %w", task.DestZipName, err)
	}
	if ps != nil {
		name = ps.InsertFileParams(name)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}
	return name, nil
}

// transformDelimited rewrites a delimited file with a new field separator and
// optional quoting. Separators are treated as plain strings, so multi-byte
// separators work.
func transformDelimited(srcPath, dstPath, fromDelim, toDelim string, quote bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	w := bufio.NewWriter(dst)

	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), fromDelim)
		for i, f := range fields {
			if i > 0 {
				w.WriteString(toDelim)
			}
			if quote {
				f = strings.Trim(f, `"`)
				w.WriteByte('"')
				w.WriteString(strings.ReplaceAll(f, `"`, `""`))
				w.WriteByte('"')
			} else {
				w.WriteString(f)
			}
		}
		w.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.Flush()
}

// zipFile wraps a single file into an archive under its given inner name.
func zipFile(srcPath, zipPath, innerName string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	entry, err := zw.Create(innerName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, src); err != nil {
		return err
	}
	return zw.Close()
}

// fileDigest returns the md5 checksum and size of a file.
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// countDataRows counts non-empty lines after the header. Used for the
// skip-empty delivery rules.
func countDataRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var lines int64
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			lines++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if lines <= 1 {
		return 0, nil
	}
	return lines - 1, nil
}
