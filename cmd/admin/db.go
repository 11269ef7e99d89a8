package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"claimsync.ai/internal/model"
	"claimsync.ai/internal/store/sqlstore"
)

func openDB(driver, path string) *sqlstore.Store {
	st, err := sqlstore.Open(driver, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return st
}

func claimsCmd(args []string) {
	fs := flag.NewFlagSet("claims", flag.ExitOnError)
	driver := fs.String("db_driver", "sqlite", "sqlite or postgres")
	dbPath := fs.String("db", "./data/claims.db", "sqlite db path or postgres dsn")
	owner := fs.String("owner", "", "owner identity filter")
	worldName := fs.String("world", "", "world filter (required with -area)")
	area := fs.String("area", "", "area filter: x1,z1:x2,z2")
	limit := fs.Int("limit", 50, "result limit (0 = all)")
	_ = fs.Parse(args)

	st := openDB(*driver, *dbPath)
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		claims []model.Claim
		err    error
	)
	switch {
	case strings.TrimSpace(*area) != "":
		if strings.TrimSpace(*worldName) == "" {
			fmt.Fprintln(os.Stderr, "missing -world")
			os.Exit(2)
		}
		r, perr := parseArea(*area)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "bad -area:", perr)
			os.Exit(2)
		}
		claims, err = st.GetClaimsInArea(ctx, *worldName, r)
	case strings.TrimSpace(*owner) != "":
		claims, err = st.GetClaimsByOwner(ctx, strings.TrimSpace(*owner))
	default:
		claims, err = st.ListClaims(ctx)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	claims = filterClaims(claims, strings.TrimSpace(*owner), strings.TrimSpace(*worldName))
	if *limit > 0 && len(claims) > *limit {
		claims = claims[:*limit]
	}
	for _, c := range claims {
		printJSON(c)
	}
}

// filterClaims applies the owner and world filters the query did not, newest
// first.
func filterClaims(in []model.Claim, owner, worldName string) []model.Claim {
	out := make([]model.Claim, 0, len(in))
	for _, c := range in {
		if owner != "" && c.OwnerID != owner {
			continue
		}
		if worldName != "" && c.World != worldName {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func partiesCmd(args []string) {
	fs := flag.NewFlagSet("parties", flag.ExitOnError)
	driver := fs.String("db_driver", "sqlite", "sqlite or postgres")
	dbPath := fs.String("db", "./data/claims.db", "sqlite db path or postgres dsn")
	identity := fs.String("identity", "", "identity to list parties for (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*identity) == "" {
		fmt.Fprintln(os.Stderr, "missing -identity")
		os.Exit(2)
	}
	st := openDB(*driver, *dbPath)
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parties, err := st.GetPartiesForIdentity(ctx, strings.TrimSpace(*identity))
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, p := range parties {
		printJSON(p)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
