package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/pkg/client"
)

// ── fingerprint ──────────────────────────────────────────────────────────────

type fingerprintRow struct {
	path string
	key  fingerprint.Key
	size int64
	err  error
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file> [file] ...",
	Short: "Compute content fingerprints locally",
	Long: `fingerprint hashes files without contacting the service. Multiple files
are hashed concurrently and printed in argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resultsCh := make(chan fingerprintRow, len(args))
		for _, path := range args {
			path := path
			go func() {
				key, n, err := hashFile(path)
				resultsCh <- fingerprintRow{path: path, key: key, size: n, err: err}
			}()
		}

		byPath := make(map[string]fingerprintRow, len(args))
		for range args {
			r := <-resultsCh
			byPath[r.path] = r
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		failed := 0
		for _, path := range args {
			r := byPath[path]
			if r.err != nil {
				failed++
				fmt.Fprintf(w, "%s\terror: %v\n", r.path, r.err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d bytes\n", r.key, r.path, r.size)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d file(s) could not be read", failed)
		}
		return nil
	},
}

func hashFile(path string) (fingerprint.Key, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return fingerprint.Key{}, 0, err
	}
	defer f.Close()
	return fingerprint.FromReader(f)
}

// ── seal ─────────────────────────────────────────────────────────────────────

var (
	sealMetadata  string
	sealAttemptID string
	sealWait      bool
	sealFormat    string
)

var sealCmd = &cobra.Command{
	Use:   "seal <file>",
	Short: "Upload a file and seal its fingerprint in the ledger",
	Long: `seal uploads a capture and returns once the ledger has committed it.

Retrying with the same --attempt-id after a network failure returns the
original receipt instead of a duplicate error. --wait follows the session
until background analysis finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		opts := client.SealOptions{FileName: filepath.Base(args[0]), AttemptID: sealAttemptID}
		if opts.AttemptID == "" {
			opts.AttemptID = uuid.NewString()
		}
		if sealMetadata != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(sealMetadata), &meta); err != nil {
				return fmt.Errorf("--metadata must be a JSON object: %w", err)
			}
			opts.Metadata = meta
		}

		ctx := cmd.Context()
		res, err := c.Seal(ctx, f, opts)
		if errors.Is(err, client.ErrAlreadySealed) {
			return fmt.Errorf("%s was already sealed; run `tcap verify` to see the existing record", args[0])
		}
		if err != nil {
			return fmt.Errorf("seal: %w (retry with --attempt-id %s)", err, opts.AttemptID)
		}

		if !sealWait {
			if sealFormat == "json" {
				return printJSON(res)
			}
			fmt.Printf("✓ Sealed\n\n")
			fmt.Printf("  Fingerprint: %s\n", res.Fingerprint)
			fmt.Printf("  Sealed at:   %s\n", res.SealedAt.Format(time.RFC3339Nano))
			fmt.Printf("  Session:     %s\n", res.SessionID)
			if res.ItemReady {
				fmt.Printf("  Item:        %s\n", res.ItemID)
			} else {
				fmt.Printf("  Item:        %s (available once analysis finishes)\n", res.ItemID)
			}
			if res.Replayed {
				fmt.Println("  (replayed an earlier attempt)")
			}
			return nil
		}

		st, err := c.WaitCapture(ctx, res.SessionID, 2*time.Second)
		if err != nil {
			return fmt.Errorf("wait for analysis: %w", err)
		}
		if sealFormat == "json" {
			return printJSON(st)
		}
		printStatus(st)
		return nil
	},
}

func init() {
	sealCmd.Flags().StringVar(&sealMetadata, "metadata", "", "capture metadata as a JSON object")
	sealCmd.Flags().StringVar(&sealAttemptID, "attempt-id", "", "seal attempt id; reuse it when retrying (default random)")
	sealCmd.Flags().BoolVar(&sealWait, "wait", false, "wait for analysis to finish")
	sealCmd.Flags().StringVar(&sealFormat, "format", "text", "Output format: text or json")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyKey    string
	verifyRemote bool
	verifyFormat string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file> --key <fingerprint>",
	Short: "Check a file against a sealed fingerprint",
	Long: `verify hashes the file locally and looks up the claimed fingerprint.
With --remote the bytes are uploaded and checked by the service instead.
Exits non-zero unless the content is verified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		var v *client.Verification
		if verifyRemote {
			v, err = c.VerifyRemote(cmd.Context(), f, verifyKey)
		} else {
			v, err = c.Verify(cmd.Context(), f, verifyKey)
		}
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		if verifyFormat == "json" {
			if err := printJSON(v); err != nil {
				return err
			}
		} else {
			fmt.Printf("Outcome:     %s\n", v.Outcome)
			fmt.Printf("Claimed:     %s\n", v.ClaimedKey)
			fmt.Printf("Actual:      %s\n", v.ActualKey)
			if v.Record != nil {
				fmt.Printf("Creator:     %s\n", v.Record.Creator)
				fmt.Printf("Sealed at:   %s\n", v.Record.SealedAt.Format(time.RFC3339Nano))
			}
			fmt.Printf("\n%s\n", v.Remediation)
		}
		if !v.Verified() {
			return fmt.Errorf("content not verified: %s", v.Outcome)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyKey, "key", "", "claimed fingerprint (hex, optional sha256: prefix)")
	verifyCmd.Flags().BoolVar(&verifyRemote, "remote", false, "upload the file and verify on the service")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
	_ = verifyCmd.MarkFlagRequired("key")
}

// ── records ──────────────────────────────────────────────────────────────────

var recordsBefore string

var recordsCmd = &cobra.Command{
	Use:   "records <creator | fingerprint>",
	Short: "List a creator's sealed fingerprints or show one record",
	Long: `records lists the fingerprints a creator sealed, in commit order. Given a
fingerprint instead, it prints that record; --before checks whether it was
sealed before an RFC 3339 cutoff.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if _, perr := fingerprint.Parse(args[0]); perr == nil {
			return showRecord(ctx, c, args[0])
		}

		keys, err := c.RecordsFor(ctx, args[0])
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Printf("%s has not sealed anything\n", args[0])
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsBefore, "before", "", "RFC 3339 cutoff for a sealed-before check")
}

func showRecord(ctx context.Context, c *client.Client, key string) error {
	rec, err := c.Lookup(ctx, key)
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("%s was never sealed", key)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Fingerprint: %s\n", rec.Key)
	fmt.Printf("Creator:     %s\n", rec.Creator)
	fmt.Printf("Sealed at:   %s\n", rec.SealedAt.Format(time.RFC3339Nano))

	if recordsBefore != "" {
		cutoff, err := time.Parse(time.RFC3339Nano, recordsBefore)
		if err != nil {
			return fmt.Errorf("--before: %w", err)
		}
		before, err := c.SealedBefore(ctx, key, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Before %s: %v\n", cutoff.Format(time.RFC3339), before)
	}
	return nil
}

// ── status ───────────────────────────────────────────────────────────────────

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the state of a capture session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.CaptureStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if statusFormat == "json" {
			return printJSON(st)
		}
		printStatus(st)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text or json")
}

func printStatus(st *client.CaptureStatus) {
	fmt.Printf("Session:     %s\n", st.SessionID)
	fmt.Printf("Phase:       %s\n", st.Phase)
	if st.Failure != "" {
		fmt.Printf("Failure:     %s (%s)\n", st.Failure, st.Error)
	}
	if st.Fingerprint != "" {
		fmt.Printf("Fingerprint: %s\n", st.Fingerprint)
	}
	if a := st.Analysis; a != nil {
		line := a.State
		if a.Risk != "" {
			line = fmt.Sprintf("%s, score %d (%s)", a.State, a.Score, a.Risk)
		}
		if a.TimedOut {
			line += ", timed out"
		}
		fmt.Printf("Analysis:    %s\n", line)
	}
}
