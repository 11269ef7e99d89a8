package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"claimsync.ai/internal/model"
	"claimsync.ai/internal/persistence/auditlog"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "claims":
			claimsCmd(os.Args[2:])
			return
		case "parties":
			partiesCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "sync":
			syncCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the audit segment files on disk.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dir := fs.String("audit_dir", "./data/audit", "audit segment directory")
	_ = fs.Parse(args)

	paths, err := auditlog.Segments(*dir, "audit")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dir := fs.String("audit_dir", "./data/audit", "audit segment directory")
	action := fs.String("action", "", "action filter, e.g. claim_create")
	actor := fs.String("actor", "", "actor identity filter")
	claimID := fs.String("claim", "", "claim id filter")
	area := fs.String("area", "", "area filter: x1,z1:x2,z2 (optional)")
	since := fs.String("since", "", "RFC3339 lower bound (optional)")
	limit := fs.Int("limit", 0, "max entries (0 = all)")
	_ = fs.Parse(args)

	f := auditFilter{Action: strings.TrimSpace(*action), Actor: strings.TrimSpace(*actor), ClaimID: strings.TrimSpace(*claimID)}
	if s := strings.TrimSpace(*area); s != "" {
		r, err := parseArea(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -area:", err)
			os.Exit(2)
		}
		f.Area = &r
	}
	if s := strings.TrimSpace(*since); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -since:", err)
			os.Exit(2)
		}
		f.Since = t.UnixMilli()
	}

	paths, err := auditlog.Segments(*dir, "audit")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	n := 0
	for _, p := range paths {
		entries, err := auditlog.ReadSegment(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read audit:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if !f.match(e) {
				continue
			}
			printJSON(e)
			n++
			if *limit > 0 && n >= *limit {
				return
			}
		}
	}
}

type auditFilter struct {
	Action  string
	Actor   string
	ClaimID string
	Area    *model.Rect
	Since   int64 // unix ms
}

func (f auditFilter) match(e auditlog.Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Actor != "" && e.ActorID != f.Actor {
		return false
	}
	if f.ClaimID != "" && e.ClaimID != f.ClaimID {
		return false
	}
	if f.Since > 0 && e.Time < f.Since {
		return false
	}
	if f.Area != nil {
		if e.Claim == nil || !e.Claim.Rect().Intersects(*f.Area) {
			return false
		}
	}
	return true
}

func parseArea(s string) (model.Rect, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return model.Rect{}, fmt.Errorf("expected x1,z1:x2,z2")
	}
	a, err := parseVec2(parts[0])
	if err != nil {
		return model.Rect{}, err
	}
	b, err := parseVec2(parts[1])
	if err != nil {
		return model.Rect{}, err
	}
	return model.Rect{MinX: a[0], MinZ: a[1], MaxX: b[0], MaxZ: b[1]}.Normalize(), nil
}

func parseVec2(s string) ([2]int, error) {
	var v [2]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return v, fmt.Errorf("expected x,z")
	}
	for i := 0; i < 2; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
