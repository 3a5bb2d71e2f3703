package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options are the flags shared by every command that touches the exchange or
// storage.
type Options struct {
	ConfigPath string
	EnvFile    string
	Venue      string
	Symbols    []string
	Intervals  []string
	Storage    string
	DryRun     bool
	JSON       bool
	Help       bool
}

// QueryFlags are the flags of the query command.
type QueryFlags struct {
	Options
	Symbol   string
	Interval string
	From     time.Time
	To       time.Time
	Limit    int
	Desc     bool
	Format   string
}

// GapsFlags are the flags of the gaps command.
type GapsFlags struct {
	Options
	From     time.Time
	To       time.Time
	Backfill bool
}

func requireValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseCommonFlag consumes args[i] when it is a shared flag. It returns the
// number of extra arguments consumed and whether the flag was recognized.
func parseCommonFlag(opts *Options, args []string, i int) (int, bool, error) {
	switch args[i] {
	case "--config", "-c":
		v, err := requireValue(args, i)
		if err != nil {
			return 0, true, err
		}
		opts.ConfigPath = v
		return 1, true, nil
	case "--env-file":
		v, err := requireValue(args, i)
		if err != nil {
			return 0, true, err
		}
		opts.EnvFile = v
		return 1, true, nil
	case "--venue":
		v, err := requireValue(args, i)
		if err != nil {
			return 0, true, err
		}
		opts.Venue = v
		return 1, true, nil
	case "--symbols", "-s":
		v, err := requireValue(args, i)
		if err != nil {
			return 0, true, err
		}
		opts.Symbols = splitCSV(v)
		return 1, true, nil
	case "--intervals", "-i":
		v, err := requireValue(args, i)
		if err != nil {
			return 0, true, err
		}
		opts.Intervals = splitCSV(v)
		return 1, true, nil
	case "--storage":
		v, err := requireValue(args, i)
		if err != nil {
			return 0, true, err
		}
		opts.Storage = v
		return 1, true, nil
	case "--dry-run":
		opts.DryRun = true
		return 0, true, nil
	case "--json":
		opts.JSON = true
		return 0, true, nil
	case "--help", "-h":
		opts.Help = true
		return 0, true, nil
	}
	return 0, false, nil
}

// parseOptions parses the flags of run, schedule, init, status and symbols.
func parseOptions(args []string) (*Options, error) {
	opts := &Options{EnvFile: ".env"}
	for i := 0; i < len(args); i++ {
		n, ok, err := parseCommonFlag(opts, args, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		i += n
	}
	return opts, nil
}

// parseQueryFlags parses the flags of the query command.
func parseQueryFlags(args []string) (*QueryFlags, error) {
	flags := &QueryFlags{
		Options:  Options{EnvFile: ".env"},
		Interval: "1m",
		Limit:    100,
		Format:   "table",
	}
	for i := 0; i < len(args); i++ {
		n, ok, err := parseCommonFlag(&flags.Options, args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i += n
			continue
		}

		switch args[i] {
		case "--symbol":
			v, err := requireValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Symbol = v
			i++
		case "--interval":
			v, err := requireValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Interval = v
			i++
		case "--from", "--to":
			v, err := requireValue(args, i)
			if err != nil {
				return nil, err
			}
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value: %w", args[i], err)
			}
			if args[i] == "--from" {
				flags.From = t
			} else {
				flags.To = t
			}
			i++
		case "--limit", "-n":
			v, err := requireValue(args, i)
			if err != nil {
				return nil, err
			}
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				return nil, fmt.Errorf("invalid limit value: %q", v)
			}
			flags.Limit = limit
			i++
		case "--desc":
			flags.Desc = true
		case "--format", "-f":
			v, err := requireValue(args, i)
			if err != nil {
				return nil, err
			}
			switch v {
			case "table", "json", "csv":
			default:
				return nil, fmt.Errorf("invalid format %q (table, json or csv)", v)
			}
			flags.Format = v
			i++
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if flags.JSON {
		flags.Format = "json"
	}
	if !flags.Help && flags.Symbol == "" {
		return nil, fmt.Errorf("--symbol is required")
	}
	return flags, nil
}

// parseGapsFlags parses the flags of the gaps command.
func parseGapsFlags(args []string) (*GapsFlags, error) {
	flags := &GapsFlags{Options: Options{EnvFile: ".env"}}
	for i := 0; i < len(args); i++ {
		n, ok, err := parseCommonFlag(&flags.Options, args, i)
		if err != nil {
			return nil, err
		}
		if ok {
			i += n
			continue
		}

		switch args[i] {
		case "--from", "--to":
			v, err := requireValue(args, i)
			if err != nil {
				return nil, err
			}
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value: %w", args[i], err)
			}
			if args[i] == "--from" {
				flags.From = t
			} else {
				flags.To = t
			}
			i++
		case "--backfill":
			flags.Backfill = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if !flags.From.IsZero() && !flags.To.IsZero() && !flags.From.Before(flags.To) {
		return nil, fmt.Errorf("--from must be before --to")
	}
	return flags, nil
}

// parseCheckFlags parses the flags of the check command, which shares the
// range flags of gaps but never writes.
func parseCheckFlags(args []string) (*GapsFlags, error) {
	flags, err := parseGapsFlags(args)
	if err != nil {
		return nil, err
	}
	if flags.Backfill {
		return nil, fmt.Errorf("unknown flag: --backfill")
	}
	return flags, nil
}

// parseTime accepts RFC 3339 timestamps, dates (YYYY-MM-DD) and epoch
// milliseconds. Results are UTC.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%q is neither RFC 3339, YYYY-MM-DD nor epoch milliseconds", s)
}
