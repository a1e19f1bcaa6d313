package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/codewandler/clstr-es/core/es"
)

const dlqUsage = `usage: esctl dlq <list [-consumer name] | show <id> | resubmit <id> | delete <id>>`

func (a *app) dlq(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s", errUsage, dlqUsage)
	}

	env, closeEnv, err := a.openEnv(ctx)
	if err != nil {
		return err
	}
	defer closeEnv()
	store := env.DeadLetters()

	sub, rest := args[0], args[1:]
	if sub == "list" {
		fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
		consumer := fs.String("consumer", "", "only entries of this consumer")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		entries, err := store.List(ctx, *consumer)
		if err != nil {
			return err
		}
		return a.printDeadLetters(entries)
	}

	if len(rest) != 1 {
		return fmt.Errorf("%w: %s", errUsage, dlqUsage)
	}
	id := rest[0]

	switch sub {
	case "show":
		e, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	case "resubmit":
		if err := es.Resubmit(ctx, store, env.Broker(), id); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "resubmitted %s\n", id)
	case "delete":
		if err := store.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "deleted %s\n", id)
	default:
		return fmt.Errorf("%w: %s", errUsage, dlqUsage)
	}
	return nil
}

func (a *app) printDeadLetters(entries []*es.DeadLetterEntry) error {
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONSUMER\tAGGREGATE\tVERSION\tTYPE\tFAILURES\tLAST FAILED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(
			w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			e.ID, e.FailedConsumer, e.Envelope.AggregateID, e.Envelope.Version, e.Envelope.Type,
			e.FailureCount, e.LastFailedAt.Format(time.RFC3339), e.FailureReason,
		)
	}
	return w.Flush()
}
