package acq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChannelGeometry is one channel's entry in a probe geometry map.
type ChannelGeometry struct {
	Channel int
	Shank   int
	X       int
	Z       int
	Used    bool
}

// ParseGeomMap reads geometry records and returns acquisition channel
// indices ordered by depth (z) ascending, ties broken by lateral x.
//
// Each channel is four consecutive records: "ch<N>_s=<shank>", "x=<x>",
// "z=<z>", "u=<used>". Lines not starting with "ch" outside a channel group
// are ignored (header fields).
func ParseGeomMap(lines []string) ([]int, error) {
	chans, err := parseGeomChannels(lines)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(chans, func(i, j int) bool {
		if chans[i].Z == chans[j].Z {
			return chans[i].X < chans[j].X
		}
		return chans[i].Z < chans[j].Z
	})

	order := make([]int, len(chans))
	for i, ch := range chans {
		order[i] = ch.Channel
	}
	return order, nil
}

func parseGeomChannels(lines []string) ([]ChannelGeometry, error) {
	var chans []ChannelGeometry
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "ch") {
			continue
		}
		if i+3 >= len(lines) {
			return nil, fmt.Errorf("geometry record %q truncated", line)
		}

		var g ChannelGeometry
		us := strings.IndexByte(line, '_')
		if us < 3 {
			return nil, fmt.Errorf("geometry record %q: missing channel number", line)
		}
		n, err := strconv.Atoi(line[2:us])
		if err != nil {
			return nil, fmt.Errorf("geometry record %q: %w", line, err)
		}
		g.Channel = n

		if g.Shank, err = geomValue(line); err != nil {
			return nil, err
		}
		if g.X, err = geomValue(lines[i+1]); err != nil {
			return nil, err
		}
		if g.Z, err = geomValue(lines[i+2]); err != nil {
			return nil, err
		}
		u, err := geomValue(lines[i+3])
		if err != nil {
			return nil, err
		}
		g.Used = u != 0

		chans = append(chans, g)
		i += 3
	}
	return chans, nil
}

func geomValue(line string) (int, error) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return 0, fmt.Errorf("geometry record %q: missing '='", line)
	}
	v, err := strconv.Atoi(strings.TrimSpace(line[eq+1:]))
	if err != nil {
		return 0, fmt.Errorf("geometry record %q: %w", line, err)
	}
	return v, nil
}
