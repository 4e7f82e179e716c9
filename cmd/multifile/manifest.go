package multifile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/replicate/mget/pkg/cli"
	"github.com/replicate/mget/pkg/verify"
)

// A manifest is a file of URL and destination pairs, optionally followed by the expected MD5:
//
// http://example.com/libs/lwjgl.jar     bin/lwjgl.jar    0a1b2c3d4e5f60718293a4b5c6d7e8f9
// http://example.com/libs/jinput.jar    bin/jinput.jar
//
// A manifest may contain blank lines and lines starting with '#'.
// The fields are separated by arbitrary whitespace.

type manifestEntry struct {
	url      string
	dest     string
	checksum string
}

type manifest []manifestEntry

func manifestFile(manifestPath string) (*os.File, error) {
	if manifestPath == "-" {
		return os.Stdin, nil
	}
	if _, err := os.Stat(manifestPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("manifest file %s does not exist", manifestPath)
	}
	file, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest file %s: %w", manifestPath, err)
	}
	return file, err
}

func parseLine(line string) (manifestEntry, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		return manifestEntry{url: fields[0], dest: fields[1]}, nil
	case 3:
		if _, err := verify.ParseChecksum(fields[2]); err != nil {
			return manifestEntry{}, fmt.Errorf("error parsing manifest `%s`: %w", line, err)
		}
		return manifestEntry{url: fields[0], dest: fields[1], checksum: fields[2]}, nil
	default:
		return manifestEntry{}, fmt.Errorf("error parsing manifest invalid line format `%s`", line)
	}
}

func checkSeenDestinations(destinations map[string]string, entry manifestEntry) error {
	if seenURL, ok := destinations[entry.dest]; ok {
		if seenURL != entry.url {
			return fmt.Errorf("duplicate destination %s with different urls: %s and %s", entry.dest, seenURL, entry.url)
		}
		return fmt.Errorf("duplicate entry: %s %s", entry.url, entry.dest)
	}
	return nil
}

func parseManifest(r io.Reader) (manifest, error) {
	seenDestinations := make(map[string]string)
	var entries manifest

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		if err := checkSeenDestinations(seenDestinations, entry); err != nil {
			return nil, err
		}
		seenDestinations[entry.dest] = entry.url

		if err := cli.EnsureDestinationNotExist(entry.dest); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return entries, nil
}
