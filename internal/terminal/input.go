package terminal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Reader reads composer lines from the user.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps in, usually os.Stdin.
func NewReader(in io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(in)}
}

// ReadLine reads a line of input and trims surrounding whitespace. A final
// line without a newline is returned before io.EOF.
func (r *Reader) ReadLine() (string, error) {
	input, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && input != "" {
			return strings.TrimSpace(input), nil
		}
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// Command is a slash command typed in the composer.
type Command struct {
	Name string // without the slash, lowercased
	Args string
}

// ParseCommand splits "/name args". Lines that do not start with a slash are
// questions, not commands.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return Command{}, false
	}
	name, args, _ := strings.Cut(line[1:], " ")
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}

// Fields splits command arguments, honouring double quotes so paths with
// spaces survive.
func Fields(args string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range args {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// FindMatchingFiles searches workingDir for files whose path contains partial.
// When extensions is non-empty only files with one of them are returned.
func FindMatchingFiles(workingDir, partial string, extensions []string) []string {
	matches := []string{}

	// Determine search directory and pattern
	searchDir := workingDir
	pattern := strings.ToLower(partial)

	if strings.Contains(partial, "/") {
		dir, file := filepath.Split(partial)
		searchDir = filepath.Join(workingDir, dir)
		pattern = strings.ToLower(file)
	}

	filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}

		relPath, err := filepath.Rel(workingDir, path)
		if err != nil || relPath == "." {
			return nil
		}

		// Skip hidden files and directories
		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() && hasExtension(info.Name(), extensions) {
			relPathLower := strings.ToLower(relPath)
			isMatch := pattern == "" ||
				strings.Contains(relPathLower, pattern) ||
				strings.Contains(strings.ToLower(info.Name()), pattern)

			if isMatch && len(matches) < 100 {
				matches = append(matches, relPath)
			}
		}

		// Limit depth to avoid scanning too deep
		if info.IsDir() && strings.Count(relPath, string(filepath.Separator)) >= 4 {
			return filepath.SkipDir
		}
		return nil
	})

	return matches
}

func hasExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
