package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/local/docinfer/internal/records"
	"github.com/local/docinfer/internal/schema"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize <document>",
	Short: "Print a text summary of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := runner.Summarize(cmd.Context(), args[0], prompt)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var schemaOut string

var schemaCmd = &cobra.Command{
	Use:   "schema <document>",
	Short: "Have the model author an extraction schema for documents like this one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := runner.AuthorSchema(cmd.Context(), args[0], prompt)
		if err != nil {
			return err
		}
		raw, err := ts.Marshal()
		if err != nil {
			return err
		}
		return writeJSON(cmd, schemaOut, raw)
	},
}

var (
	extractSchema string
	extractOut    string
	extractAppend bool
)

var extractCmd = &cobra.Command{
	Use:   "extract --schema <file> <document>...",
	Short: "Extract records from documents with a tool specification",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(extractSchema)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		tools, err := schema.Parse(string(text))
		if err != nil {
			return err
		}

		coll := records.NewCollection()
		if extractAppend && extractOut != "" {
			if err := readCollection(extractOut, coll); err != nil && !os.IsNotExist(err) {
				return err
			}
		}

		rep := runner.ExtractAll(cmd.Context(), args, tools, prompt, coll)
		for _, f := range rep.Failures {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", f.Ref, f.Err)
		}

		raw, err := json.Marshal(coll)
		if err != nil {
			return err
		}
		if err := writeJSON(cmd, extractOut, raw); err != nil {
			return err
		}
		if rep.Records == 0 && len(rep.Failures) > 0 {
			return fmt.Errorf("no records extracted: %w", rep.Err())
		}
		return nil
	},
}

var askRecords string

var askCmd = &cobra.Command{
	Use:   "ask --records <file> <question>",
	Short: "Answer a question over previously extracted records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coll := records.NewCollection()
		if err := readCollection(askRecords, coll); err != nil {
			return err
		}
		answer, err := runner.Ask(cmd.Context(), strings.Join(args, " "), coll)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
		return nil
	},
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOut, "out", "o", "", "write the schema to a file instead of stdout")

	extractCmd.Flags().StringVar(&extractSchema, "schema", "", "tool specification file (as written by `docinfer schema`)")
	extractCmd.Flags().StringVarP(&extractOut, "out", "o", "", "write records to a file instead of stdout")
	extractCmd.Flags().BoolVar(&extractAppend, "append", false, "keep the records already in --out")
	_ = extractCmd.MarkFlagRequired("schema")

	askCmd.Flags().StringVar(&askRecords, "records", "", "records file written by `docinfer extract`")
	_ = askCmd.MarkFlagRequired("records")
}

func readCollection(path string, coll *records.Collection) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, coll); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, path string, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	if path == "" {
		_, err := cmd.OutOrStdout().Write(buf.Bytes())
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
