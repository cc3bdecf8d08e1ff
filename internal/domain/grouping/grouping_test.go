package grouping_test

import (
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"telesmasher/internal/domain/grouping"
	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/config"
)

func msg(id, sender, at int64, name string) messages.Message {
	m := messages.Message{ID: id, SenderID: sender, Date: time.Unix(at, 0)}
	if name != "" {
		m.File = &messages.File{ID: id * 100, Name: name, Size: 1}
	}
	return m
}

func ids(groups [][]messages.Message) [][]int64 {
	out := make([][]int64, len(groups))
	for i, g := range groups {
		out[i] = make([]int64, len(g))
		for j, m := range g {
			out[i][j] = m.ID
		}
	}
	return out
}

func TestParseName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		filename string
		want     grouping.ParsedName
	}{
		{
			name:     "dotPart",
			filename: "vol.part1.rar",
			want:     grouping.ParsedName{Base: "vol", Part: ".part1", Ext: ".rar", N: 1},
		},
		{
			name:     "underscorePart",
			filename: "file_part2.zip",
			want:     grouping.ParsedName{Base: "file", Part: "_part2", Ext: ".zip", N: 2},
		},
		{
			name:     "parenthesized",
			filename: "photo (3).jpg",
			want:     grouping.ParsedName{Base: "photo", Part: " (3)", Ext: ".jpg", N: 3},
		},
		{
			name:     "multiPartExtension",
			filename: "backup.part2.tar.gz",
			want:     grouping.ParsedName{Base: "backup", Part: ".part2", Ext: ".tar.gz", N: 2},
		},
		{
			name:     "numericExtension",
			filename: "x.rar.001",
			want:     grouping.ParsedName{Base: "x.rar", Part: ".001", Ext: "", N: 1},
		},
		{
			name:     "underscoreNumber",
			filename: "doc_4.pdf",
			want:     grouping.ParsedName{Base: "doc", Part: "_4", Ext: ".pdf", N: 4},
		},
		{
			name:     "dotNumber",
			filename: "archive.7.zip",
			want:     grouping.ParsedName{Base: "archive", Part: ".7", Ext: ".zip", N: 7},
		},
		{
			name:     "plain",
			filename: "plain.txt",
			want:     grouping.ParsedName{Base: "plain", Ext: ".txt"},
		},
		{
			name:     "noExtension",
			filename: "noext",
			want:     grouping.ParsedName{Base: "noext"},
		},
		{
			name:     "mixedCase",
			filename: "Vol.PART2.RAR",
			want:     grouping.ParsedName{Base: "vol", Part: ".part2", Ext: ".rar", N: 2},
		},
		{
			name:     "tarballWithoutParts",
			filename: "data.tar.gz",
			want:     grouping.ParsedName{Base: "data", Ext: ".tar.gz"},
		},
		{
			name:     "bareNameLooksLikePart",
			filename: "part1.rar",
			want:     grouping.ParsedName{Base: "part1", Ext: ".rar"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := grouping.ParseName(tc.filename)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseName(%q) = %#v, want %#v", tc.filename, got, tc.want)
			}
			recomposed := got.Base + got.Part + got.Ext
			if recomposed != strings.ToLower(tc.filename) {
				t.Fatalf("Base+Part+Ext = %q, want %q", recomposed, strings.ToLower(tc.filename))
			}
		})
	}
}

func TestGroupNoneMakesSingletons(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{msg(1, 7, 0, ""), msg(2, 7, 10, ""), msg(3, 8, 20, "")}
	got := ids(grouping.Group(msgs, grouping.Options{Strategy: config.StrategyNone}))
	want := [][]int64{{1}, {2}, {3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupByTimeAcrossSenderChange(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{
		msg(1, 'A', 0, ""),
		msg(2, 'A', 30, ""),
		msg(3, 'B', 45, ""),
		msg(4, 'A', 60, ""),
	}
	opts := grouping.Options{Strategy: config.StrategyTime, TimeWindow: 120 * time.Second}
	got := ids(grouping.Group(msgs, opts))
	want := [][]int64{{1, 2}, {3}, {4}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupByTimeWindowBreak(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{
		msg(1, 7, 0, ""),
		msg(2, 7, 100, ""),
		msg(3, 7, 251, ""),
	}
	opts := grouping.Options{Strategy: config.StrategyTime, TimeWindow: 120 * time.Second}
	got := ids(grouping.Group(msgs, opts))
	want := [][]int64{{1, 2}, {3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupByFilenameMultipartArchive(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{
		msg(10, 7, 0, "vol.part1.rar"),
		msg(11, 7, 1, "vol.part2.rar"),
		msg(12, 7, 2, "vol.part3.rar"),
		msg(13, 7, 3, "vol.part4.rar"),
		msg(14, 7, 4, "other.zip"),
	}
	got := ids(grouping.Group(msgs, grouping.Options{Strategy: config.StrategyFilename}))
	want := [][]int64{{10, 11, 12, 13}, {14}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupByFilenameSortsByPartNumber(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{
		msg(10, 7, 0, "vol.part2.rar"),
		msg(11, 7, 1, "vol.part1.rar"),
	}
	got := ids(grouping.Group(msgs, grouping.Options{Strategy: config.StrategyFilename}))
	want := [][]int64{{11, 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupByFilenameSeparatesSenders(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{
		msg(1, 7, 0, "vol.part1.rar"),
		msg(2, 8, 1, "vol.part2.rar"),
	}
	got := ids(grouping.Group(msgs, grouping.Options{Strategy: config.StrategyFilename}))
	want := [][]int64{{1}, {2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupByFilenameKeepsTextMessagesLoose(t *testing.T) {
	t.Parallel()

	msgs := []messages.Message{
		msg(5, 7, 0, ""),
		msg(6, 7, 1, "vol.part1.rar"),
		msg(7, 7, 2, "vol.part2.rar"),
	}
	got := ids(grouping.Group(msgs, grouping.Options{Strategy: config.StrategyFilename}))
	want := [][]int64{{5}, {6, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Group() = %#v, want %#v", got, want)
	}
}

func TestGroupPartitionLaw(t *testing.T) {
	t.Parallel()

	input := []messages.Message{
		msg(1, 7, 0, "a.part1.rar"),
		msg(2, 7, 5, ""),
		msg(3, 8, 10, "a.part2.rar"),
		msg(4, 7, 400, "b.zip"),
		msg(5, 8, 401, ""),
	}
	strategies := []grouping.Options{
		{Strategy: config.StrategyNone},
		{Strategy: config.StrategyTime, TimeWindow: 120 * time.Second},
		{Strategy: config.StrategyFilename},
	}

	for _, opts := range strategies {
		opts := opts
		t.Run(opts.Strategy, func(t *testing.T) {
			t.Parallel()

			groups := grouping.Group(input, opts)

			var flat []int64
			for _, g := range groups {
				if len(g) == 0 {
					t.Fatalf("Group() emitted an empty group")
				}
				for _, m := range g {
					flat = append(flat, m.ID)
				}
			}
			if len(flat) != len(input) {
				t.Fatalf("partition changed message count: %d, want %d", len(flat), len(input))
			}

			seen := make(map[int64]struct{}, len(flat))
			for _, id := range flat {
				if _, dup := seen[id]; dup {
					t.Fatalf("message %d appears in more than one group", id)
				}
				seen[id] = struct{}{}
			}

			sorted := append([]int64(nil), flat...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			want := []int64{1, 2, 3, 4, 5}
			if !reflect.DeepEqual(sorted, want) {
				t.Fatalf("partition lost messages: %v, want %v", sorted, want)
			}

			for i := 1; i < len(groups); i++ {
				if groups[i-1][0].ID >= groups[i][0].ID {
					t.Fatalf("groups are not ordered by first id: %v", ids(groups))
				}
			}
		})
	}
}

func TestGroupEmptyInput(t *testing.T) {
	t.Parallel()

	if got := grouping.Group(nil, grouping.Options{Strategy: config.StrategyTime}); got != nil {
		t.Fatalf("Group(nil) = %#v, want nil", got)
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	got := grouping.FromConfig(config.Grouping{Strategy: config.StrategyTime, TimeWindowSeconds: 90})
	want := grouping.Options{Strategy: config.StrategyTime, TimeWindow: 90 * time.Second}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FromConfig() = %#v, want %#v", got, want)
	}
}
