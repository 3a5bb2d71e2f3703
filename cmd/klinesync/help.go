package main

import (
	"fmt"
	"strings"

	"github.com/johnayoung/klinesync/internal/models"
)

const commonOptions = `    --config, -c <path>       JSON or YAML config file
    --env-file <path>         dotenv file read before the environment (default: .env)
    --venue <spot|futures>    Exchange market
    --symbols, -s <list>      Comma-separated symbols, e.g. BTCUSDT,ETHUSDT
                              When omitted, symbols are discovered by quote asset
    --intervals, -i <list>    Comma-separated intervals (default: 1m)
    --storage <type>          postgres, duckdb or memory
    --dry-run                 Use in-memory storage; nothing is persisted
    --json                    Print machine readable output
    --help, -h                Show this help message`

func printUsage() {
	fmt.Printf(`%s - incremental candle ingestion v%s

USAGE:
    %s <command> [options]

COMMANDS:
    run         Run one ingestion pass and exit
    schedule    Run ingestion passes periodically and serve metrics
    init        Create the storage relations of every target
    status      Show what is stored per target
    query       Print stored candles of one target
    gaps        Find holes in stored series and optionally backfill them
    check       Report gaps and suspicious candles in stored series
    symbols     Print the symbols the next run would ingest
    intervals   List supported intervals
    version     Show version information

EXIT CODES:
    0    success (including partial failures)
    1    usage error
    2    configuration error
    3    storage or exchange unreachable
    4    every target of the run failed
    130  interrupted

CONFIGURATION:
    Configuration can be provided via:
    - Config file: --config klinesync.yaml (JSON or YAML)
    - A .env file and environment variables: KLINESYNC_* (e.g., KLINESYNC_DATABASE_URL)

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName)
}

func printCommandHelp(command string) {
	switch command {
	case "run":
		fmt.Printf(`%s run - Run one ingestion pass

Each target (symbol x interval) resumes from the latest stored close time,
or from the first candle the exchange has when nothing is stored yet.

USAGE:
    %s run [options]

OPTIONS:
%s

EXAMPLES:
    %s run --symbols BTCUSDT,ETHUSDT --intervals 1m,1h
    %s run --venue futures --storage duckdb --json
`, AppName, AppName, commonOptions, AppName, AppName)

	case "schedule":
		fmt.Printf(`%s schedule - Run ingestion passes periodically

Passes never overlap. With scheduler.align set, passes start on multiples of
the poll interval in UTC. Metrics, /health and /ready are served on
metrics.addr.

USAGE:
    %s schedule [options]

OPTIONS:
%s
`, AppName, AppName, commonOptions)

	case "init", "status", "symbols":
		fmt.Printf(`%s %s

USAGE:
    %s %s [options]

OPTIONS:
%s
`, AppName, command, AppName, command, commonOptions)

	case "query":
		fmt.Printf(`%s query - Print stored candles of one target

USAGE:
    %s query --symbol <symbol> [options]

OPTIONS:
    --symbol <symbol>         Symbol to read (required)
    --interval <interval>     Interval to read (default: 1m)
    --from <time>             Earliest close time, inclusive
    --to <time>               Latest close time, exclusive
                              Times are RFC 3339, YYYY-MM-DD or epoch milliseconds
    --limit, -n <n>           Maximum rows, 0 for all (default: 100)
    --desc                    Newest first
    --format, -f <format>     table, json or csv (default: table)
%s
`, AppName, AppName, commonOptions)

	case "gaps":
		fmt.Printf(`%s gaps - Find holes in stored series

A gap is a run of missing bars between two stored candles. With --backfill
the missing bars are fetched again and written; bars the exchange does not
have leave the gap marked permanent.

USAGE:
    %s gaps [options]

OPTIONS:
    --from <time>             Earliest close time to scan, inclusive
    --to <time>               Latest close time to scan, exclusive
    --backfill                Fetch and store the missing bars
%s

EXAMPLES:
    %s gaps --symbols BTCUSDT --intervals 1m,1h
    %s gaps --symbols BTCUSDT --from 2024-01-01 --backfill
`, AppName, AppName, commonOptions, AppName, AppName)

	case "check":
		fmt.Printf(`%s check - Report the quality of stored series

Reports gaps, candles whose high or low contradict open and close, close
prices moving more than quality.price_spike_threshold times between bars and
volumes rising more than quality.volume_surge_threshold times. Nothing is
modified.

USAGE:
    %s check [options]

OPTIONS:
    --from <time>             Earliest close time to check, inclusive
    --to <time>               Latest close time to check, exclusive
%s
`, AppName, AppName, commonOptions)

	case "intervals":
		fmt.Printf("%s intervals - List supported intervals: %s\n", AppName, strings.Join(models.Labels(), ", "))

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
