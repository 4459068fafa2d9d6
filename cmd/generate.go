package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/extract"
	"github.com/spigell/kpi-strategist/internal/logger"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

const (
	PromptCustomBusiness = "Other (type it in)"

	outputText = "text"
	outputJSON = "json"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a KPI strategy in the terminal",
	Run: func(cmd *cobra.Command, _ []string) {
		generate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringP("business-type", "b", "", "business type, e.g. SaaS. Asked interactively when nothing is given")
	generateCmd.Flags().StringP("description", "m", "", "free-form description of the business")
	generateCmd.Flags().StringP("file", "f", "", "business document to read (txt, md, csv, json, pdf, docx)")
	generateCmd.Flags().StringP("output", "o", outputText, "output format: text or json")
}

func generate(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	output, _ := cmd.Flags().GetString("output")
	if output != outputText && output != outputJSON {
		logger.Fatal("unsupported output format", zap.String("output", output))
	}

	components, err := buildComponents(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}
	defer components.close(logger)

	req, err := requestFromFlags(ctx, cmd, components)
	if err != nil {
		logger.Fatal("reading the request", zap.Error(err))
	}

	if !req.HasContent() {
		req, err = askRequest(components.service.Catalog())
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return
		}
		if err != nil {
			logger.Fatal("prompt failed", zap.Error(err))
		}
	}

	res, err := components.service.Generate(ctx, req)
	if err != nil {
		logger.Fatal("generating a strategy", zap.Error(err))
	}

	if output == outputJSON {
		err = renderJSON(os.Stdout, res)
	} else {
		err = renderText(os.Stdout, res)
	}
	if err != nil {
		logger.Fatal("writing the strategy", zap.Error(err))
	}
}

func requestFromFlags(ctx context.Context, cmd *cobra.Command, c *components) (strategy.Request, error) {
	businessType, _ := cmd.Flags().GetString("business-type")
	description, _ := cmd.Flags().GetString("description")
	file, _ := cmd.Flags().GetString("file")

	req := strategy.Request{
		BusinessType: businessType,
		Description:  description,
	}
	if file == "" {
		return req, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return req, fmt.Errorf("reading document: %w", err)
	}

	name := filepath.Base(file)
	text, err := extract.Text(name, "", data)
	if err != nil {
		return req, fmt.Errorf("extracting text from %s: %w", name, err)
	}

	req.Document = &strategy.Document{Name: name, Text: text}
	if c.archive != nil {
		key, err := c.archive.Put(ctx, name, "", data)
		if err != nil {
			return req, fmt.Errorf("archiving document: %w", err)
		}
		req.Document.ArchiveKey = key
	}

	return req, nil
}

func askRequest(catalog *strategy.Catalog) (strategy.Request, error) {
	businessPrompt := promptui.Select{
		Label: "Choose a business type and press ENTER",
		Items: append(catalog.Names(), PromptCustomBusiness),
	}

	_, businessType, err := businessPrompt.Run()
	if err != nil {
		return strategy.Request{}, err
	}

	if businessType == PromptCustomBusiness {
		custom := promptui.Prompt{
			Label: "Business type",
			Validate: func(input string) error {
				if strings.TrimSpace(input) == "" {
					return errors.New("business type is required")
				}
				return nil
			},
		}
		if businessType, err = custom.Run(); err != nil {
			return strategy.Request{}, err
		}
	}

	descriptionPrompt := promptui.Prompt{
		Label: "Describe the business (optional)",
	}
	description, err := descriptionPrompt.Run()
	if err != nil {
		return strategy.Request{}, err
	}

	return strategy.Request{BusinessType: businessType, Description: description}, nil
}

func renderJSON(w io.Writer, res *strategy.Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(res)
}

func renderText(w io.Writer, res *strategy.Result) error {
	var b strings.Builder

	businessType := res.BusinessType
	if businessType == "" {
		businessType = "(not specified)"
	}
	fmt.Fprintf(&b, "Business type: %s\n", businessType)

	source := string(res.Source)
	if res.Model != "" {
		source += ", " + res.Model
	}
	fmt.Fprintf(&b, "Source: %s\n", source)

	writeList := func(title string, items []string) {
		fmt.Fprintf(&b, "\n%s:\n", title)
		if len(items) == 0 {
			b.WriteString("  (none)\n")
			return
		}
		for _, item := range items {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}
	writeList("KPIs", res.KPIs)
	writeList("Tools", res.Tools)

	if res.Advice != "" {
		fmt.Fprintf(&b, "\nAdvice:\n  %s\n", res.Advice)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
