package catalog

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ondisk/zreplicate/internal/filter"
)

// parseTSV splits zfs(8)'s -H (no header, tab-separated) output into rows
// of exactly width fields.
func parseTSV(out []byte, width int) ([][]string, error) {
	var rows [][]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != width {
			return nil, fmt.Errorf("expected %d tab-separated fields, got %d: %q", width, len(fields), line)
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func firstLine(out []byte) string {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	return strings.TrimSpace(string(line))
}

func parseGUID(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("catalog: parse guid %q: %w", s, err)
	}
	return v, nil
}

// tagOf returns the part of a full dataset@tag or dataset#tag name after
// the '@' or '#' separator.
func tagOf(full string) string {
	if i := strings.LastIndexAny(full, "@#"); i >= 0 {
		return full[i+1:]
	}
	return full
}

func parseSnapshotRow(row []string) (Snapshot, error) {
	guid, err := parseGUID(row[0])
	if err != nil {
		return Snapshot{}, err
	}
	createdUnix, err := strconv.ParseInt(row[1], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog: parse creation %q: %w", row[1], err)
	}
	createIndex, err := strconv.ParseUint(row[2], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog: parse createtxg %q: %w", row[2], err)
	}
	return Snapshot{
		GUID:        guid,
		Created:     time.Unix(createdUnix, 0).UTC(),
		CreateIndex: createIndex,
		Tag:         tagOf(row[3]),
	}, nil
}

func parseBookmarkRow(row []string) (Bookmark, error) {
	guid, err := parseGUID(row[0])
	if err != nil {
		return Bookmark{}, err
	}
	createIndex, err := strconv.ParseUint(row[1], 10, 64)
	if err != nil {
		return Bookmark{}, fmt.Errorf("catalog: parse createtxg %q: %w", row[1], err)
	}
	return Bookmark{GUID: guid, CreateIndex: createIndex, Tag: tagOf(row[2])}, nil
}

func joinComma(ss []string) string {
	return strings.Join(ss, ",")
}

// sortSnapshots orders by creation time, then CreateIndex, then name, per
// the tie-break rule in spec.md §4.5.
func sortSnapshots(snaps []Snapshot) []Snapshot {
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i], snaps[j]
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		if a.CreateIndex != b.CreateIndex {
			return a.CreateIndex < b.CreateIndex
		}
		return filter.NaturalLess(a.Tag, b.Tag)
	})
	return snaps
}
