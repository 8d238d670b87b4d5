package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bullywork/pkg/logger"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
)

// maxConcurrentOps bounds parallel store calls from the admin commands.
const maxConcurrentOps = 16

var skipDotted bool

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Upload string pairs",
	Long: `Upload string pairs into the source folder.

FILE is either a JSON object mapping keys to ["first","second"] pairs, or a
text file with one tab-separated pair per line, stored as StringPair-00000,
StringPair-00001 and so on.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := readPairs(args[0])
		if err != nil {
			return err
		}
		if skipDotted {
			pairs = dropDotted(pairs)
		}
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := seed(cmd.Context(), store, layout().Source, pairs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d pairs\n", n)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear process records, pending markers and results",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		l := layout()
		n, err := clearFolders(cmd.Context(), store, l.Processes, l.Pending, l.Results)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d objects\n", n)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending markers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return list(cmd, layout().Pending)
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List stored results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return list(cmd, layout().Results)
	},
}

func init() {
	seedCmd.Flags().BoolVar(&skipDotted, "skip-dotted", false, "Drop keys containing '.'")
	rootCmd.AddCommand(seedCmd, resetCmd, pendingCmd, resultsCmd)
}

func readPairs(path string) (map[string]models.StringPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pairs := make(map[string]models.StringPair)
	if filepath.Ext(path) == ".json" {
		if err := json.NewDecoder(f).Decode(&pairs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return pairs, nil
	}

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		first, second, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected two tab-separated strings", path, line)
		}
		pairs[fmt.Sprintf("StringPair-%05d", len(pairs))] = models.StringPair{First: first, Second: second}
	}
	return pairs, sc.Err()
}

func dropDotted(pairs map[string]models.StringPair) map[string]models.StringPair {
	kept := make(map[string]models.StringPair, len(pairs))
	for k, p := range pairs {
		if strings.Contains(k, ".") {
			logger.Info("Skipping dotted key", zap.String("key", k))
			continue
		}
		kept[k] = p
	}
	return kept
}

func seed(ctx context.Context, store storage.Store, loc storage.Location, pairs map[string]models.StringPair) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentOps)
	for k, p := range pairs {
		g.Go(func() error {
			payload, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := store.Put(gctx, loc.Bucket, loc.Key(k), payload); err != nil {
				return fmt.Errorf("seed %s: %w", k, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(pairs), nil
}

func clearFolders(ctx context.Context, store storage.Store, locs ...storage.Location) (int, error) {
	type object struct{ bucket, key string }
	var objs []object
	for _, loc := range locs {
		keys, err := store.Keys(ctx, loc.Bucket, loc.Key(""))
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", loc.Prefix, err)
		}
		for _, k := range keys {
			objs = append(objs, object{bucket: loc.Bucket, key: k})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentOps)
	for _, o := range objs {
		g.Go(func() error {
			return store.Delete(gctx, o.bucket, o.key)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(objs), nil
}

func list(cmd *cobra.Command, loc storage.Location) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	objs, err := store.ListPrefix(cmd.Context(), loc.Bucket, loc.Key(""))
	if err != nil {
		return err
	}
	rows := make([]string, 0, len(objs))
	for _, o := range objs {
		if name, ok := loc.Name(o.Key); ok {
			rows = append(rows, name+"\t"+string(o.Payload))
		}
	}
	sort.Strings(rows)
	for _, r := range rows {
		fmt.Fprintln(cmd.OutOrStdout(), r)
	}
	return nil
}
