// Package main implements the operator CLI: inspect and restore emergency
// backups, and watch live cross-window coordination on the broadcast bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/a-velichko/draftcore/internal/backup"
	"github.com/a-velichko/draftcore/internal/doc"
)

const usage = `Usage:
  draftctl [--data <dir>] backups
  draftctl [--data <dir>] show <scene-id>
  draftctl [--data <dir>] restore <scene-id>
  draftctl [--data <dir>] dismiss <scene-id>
  draftctl [--data <dir>] cleanup
  draftctl [--spool <dir>] watch

Subcommands:
  backups  List every stored emergency backup
  show     Print the newest restorable backup for a scene as JSON
  restore  Write the newest backup back into the document store, then
           discard the scene's backups
  dismiss  Discard a scene's backups without restoring
  cleanup  Remove expired backups and print how many were reclaimed
  watch    Live table of open projects, instance counts, and the current
           leader, observed from the broadcast bus

The backup subcommands open the data directory directly, so the editor
process must not be running against it at the same time.

Flags:
  --data   Editor data directory (default ./var/draftcore)
  --spool  Bus spool directory for watch (default <data>/bus)
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", "./var/draftcore", "editor data directory")
	spoolDir := flag.String("spool", "", "bus spool directory (default <data>/bus)")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("subcommand required: backups | show | restore | dismiss | cleanup | watch")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch args[0] {
	case "backups":
		return withBackups(*dataDir, logger, cmdListBackups)

	case "show":
		if len(args) != 2 {
			return fmt.Errorf("usage: show <scene-id>")
		}
		return withBackups(*dataDir, logger, func(store *backup.Store) error {
			return cmdShowBackup(store, args[1])
		})

	case "restore":
		if len(args) != 2 {
			return fmt.Errorf("usage: restore <scene-id>")
		}
		return cmdRestore(*dataDir, logger, args[1])

	case "dismiss":
		if len(args) != 2 {
			return fmt.Errorf("usage: dismiss <scene-id>")
		}
		return withBackups(*dataDir, logger, func(store *backup.Store) error {
			if err := store.DeleteBackup(args[1]); err != nil {
				return err
			}
			fmt.Printf("backups for %s discarded\n", args[1])
			return nil
		})

	case "cleanup":
		return withBackups(*dataDir, logger, func(store *backup.Store) error {
			n := store.CleanupExpired()
			fmt.Printf("%d expired backups reclaimed\n", n)
			return nil
		})

	case "watch":
		dir := *spoolDir
		if dir == "" {
			dir = filepath.Join(*dataDir, "bus")
		}
		return cmdWatch(dir, logger)

	default:
		flag.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func withBackups(dataDir string, logger *slog.Logger, fn func(*backup.Store) error) error {
	store, err := backup.Open(filepath.Join(dataDir, "backups"), logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func cmdListBackups(store *backup.Store) error {
	records := store.All()
	if len(records) == 0 {
		fmt.Println("no backups")
		return nil
	}

	now := time.Now().UnixMilli()
	fmt.Printf("%-36s  %-20s  %-20s  %s\n", "SCENE", "CREATED", "EXPIRES", "STATE")
	for _, rec := range records {
		state := "restorable"
		if rec.ExpiresAt <= now {
			state = "expired"
		}
		fmt.Printf("%-36s  %-20s  %-20s  %s\n",
			rec.SceneID,
			time.UnixMilli(rec.CreatedAt).Format(time.RFC3339),
			time.UnixMilli(rec.ExpiresAt).Format(time.RFC3339),
			state,
		)
	}
	return nil
}

func cmdShowBackup(store *backup.Store, sceneID string) error {
	rec := store.Backup(sceneID)
	if rec == nil {
		return fmt.Errorf("no restorable backup for scene %s", sceneID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// cmdRestore writes the newest backup back into the document store. The
// scene's backups are discarded only after the write succeeds.
func cmdRestore(dataDir string, logger *slog.Logger, sceneID string) error {
	return withBackups(dataDir, logger, func(store *backup.Store) error {
		rec := store.Backup(sceneID)
		if rec == nil {
			return fmt.Errorf("no restorable backup for scene %s", sceneID)
		}

		docs, err := doc.OpenLevelStore(filepath.Join(dataDir, "docs"))
		if err != nil {
			return err
		}
		defer func() { _ = docs.Close() }()

		if err := restoreSnapshot(docs, sceneID, rec.Content); err != nil {
			return err
		}
		if err := store.DeleteBackup(sceneID); err != nil {
			return err
		}
		fmt.Printf("scene %s restored from backup %s\n", sceneID, rec.ID)
		return nil
	})
}

// restoreSnapshot applies a backup snapshot as an update, or recreates the
// scene when it no longer exists.
func restoreSnapshot(docs doc.Store, sceneID string, snap doc.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patch := doc.Patch{
		Title:     &snap.Title,
		Body:      snap.Body,
		WordCount: &snap.WordCount,
	}
	err := docs.Update(ctx, sceneID, patch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, doc.ErrNotFound) {
		return err
	}
	return docs.Create(ctx, doc.Document{
		SceneID:   sceneID,
		Title:     snap.Title,
		Body:      snap.Body,
		WordCount: snap.WordCount,
	})
}
