// checkbal prints a user's balance and the hosting state of their apps.
// Operator tool; reads the same store the host runs against.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

func main() {
	userID := flag.String("user", "", "user id to inspect")
	timeout := flag.Duration("timeout", 10*time.Second, "store request timeout")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: checkbal -user <id>")
		os.Exit(2)
	}

	st, err := store.New(os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"), "app-code", zap.NewNop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	user, err := st.GetUser(ctx, *userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get user:", err)
		os.Exit(1)
	}
	if user == nil {
		fmt.Fprintln(os.Stderr, "no such user:", *userID)
		os.Exit(1)
	}

	fmt.Printf("tier:      %s\n", user.Tier)
	fmt.Printf("balance:   %d cents\n", user.BalanceCents)
	fmt.Printf("byok:      %v\n", user.BYOKEnabled)

	apps, err := st.ListAppsByOwner(ctx, *userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list apps:", err)
		os.Exit(1)
	}
	for _, a := range apps {
		state := "hosted"
		if a.HostingSuspended {
			state = "SUSPENDED"
		}
		fmt.Printf("app:       %-24s %-10s %s\n", a.Slug, a.Visibility, state)
	}
}
