package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all documents",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGetDoc,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Save a document (from a file or stdin)",
		Long: `Save a document. The input must be a JSON document envelope; a missing id
is assigned. Pass --if-version to require the write to replace a specific
remote version — a stale token fails with a conflict instead of overwriting.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPutDoc,
	}

	cmd.Flags().String("if-version", "", "version token the write must replace")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a document",
		Long:  "Delete a document. Deleting an id that does not exist is not an error.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRmDoc,
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	orch, _, cleanup, err := buildOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	docs, err := orch.LoadAllDocuments(cmd.Context())
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := cmd.OutOrStdout()
	for _, id := range ids {
		title := docs[id].Meta.Title
		if title == "" {
			title = "(untitled)"
		}

		fmt.Fprintf(out, "%s\t%s\t%s\n", id, docs[id].SavedAt.Format("2006-01-02 15:04"), title)
	}

	return nil
}

func runGetDoc(cmd *cobra.Command, args []string) error {
	orch, _, cleanup, err := buildOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	doc, version, err := orch.GetDocument(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	data, err := doc.Encode()
	if err != nil {
		return err
	}

	if version != store.None {
		fmt.Fprintf(cmd.ErrOrStderr(), "version: %s\n", version)
	}

	_, err = cmd.OutOrStdout().Write(data)

	return err
}

func runPutDoc(cmd *cobra.Command, args []string) error {
	var (
		input []byte
		err   error
	)

	if len(args) == 1 {
		input, err = os.ReadFile(args[0])
	} else {
		input, err = io.ReadAll(cmd.InOrStdin())
	}

	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	var doc sop.Document
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}

	orch, _, cleanup, err := buildOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	expected, _ := cmd.Flags().GetString("if-version")

	saved, version, err := orch.SaveDocument(cmd.Context(), &doc, store.Version(expected))
	if err != nil {
		return err
	}

	if version != store.None {
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (version %s)\n", saved.ID, version)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", saved.ID)
	}

	return nil
}

func runRmDoc(cmd *cobra.Command, args []string) error {
	orch, _, cleanup, err := buildOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	deleted, err := orch.DeleteDocument(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was already gone\n", args[0])
	}

	return nil
}
