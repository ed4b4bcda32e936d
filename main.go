package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/lookbusy1344/apf-assembler/config"
	"github.com/lookbusy1344/apf-assembler/parser"
)

// Version information - can be overridden at build time with:
// go build -ldflags "-X main.Version=v1.2.3"
var Version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "apfasm"
	app.Usage = "Assembler for Android Packet Filter (APF) bytecode"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "Enable debug logging (layout convergence, etc.)",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "Path to config file (default: platform config dir)",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
		if c.GlobalBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "asm",
			Aliases:   []string{"a"},
			Usage:     "Assemble an APF source file to bytecode",
			ArgsUsage: "input.apf",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Usage: "Output file (default: input with extension per format)",
				},
				cli.StringFlag{
					Name:  "format, f",
					Usage: "Output format: bin, hex or c (default from config)",
				},
				cli.IntFlag{
					Name:  "apf-version",
					Usage: "Interpreter version to target (default from config)",
				},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return cli.NewExitError("missing input file", 1)
				}
				return assemble(c, c.Args().First())
			},
		},
		{
			Name:      "dump",
			Aliases:   []string{"d"},
			Usage:     "Assemble and print a hex dump to stdout",
			ArgsUsage: "input.apf",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "apf-version",
					Usage: "Interpreter version to target (default from config)",
				},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return cli.NewExitError("missing input file", 1)
				}
				return dump(c, c.Args().First())
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.GlobalString("config"); path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func assembleFile(c *cli.Context, input string, cfg *config.Config) ([]byte, error) {
	version := cfg.Assembler.APFVersion
	if c.Int("apf-version") != 0 {
		version = c.Int("apf-version")
	}

	p, err := parser.New(version)
	if err != nil {
		return nil, err
	}
	if err := p.ParseFile(input); err != nil {
		return nil, err
	}
	program, err := p.Generate()
	if err != nil {
		return nil, err
	}

	log.Infof("assembled %s: %d bytes (APF version %d)", input, len(program), version)
	if cfg.Assembler.MaxProgramLength > 0 && len(program) > cfg.Assembler.MaxProgramLength {
		log.Warnf("program length %d exceeds configured maximum %d",
			len(program), cfg.Assembler.MaxProgramLength)
	}
	return program, nil
}

func assemble(c *cli.Context, input string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	format := cfg.Output.Format
	if f := c.String("format"); f != "" {
		format = f
	}

	program, err := assembleFile(c, input, cfg)
	if err != nil {
		return err
	}

	out := c.String("out")
	if out == "" {
		out = outputName(input, format)
	}

	rendered, err := render(program, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, rendered, 0644); err != nil { // #nosec G306 -- generated artifact
		return fmt.Errorf("failed to write output: %w", err)
	}
	log.Infof("wrote %s", out)
	return nil
}

func dump(c *cli.Context, input string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	program, err := assembleFile(c, input, cfg)
	if err != nil {
		return err
	}
	rendered, err := render(program, "hex")
	if err != nil {
		return err
	}
	fmt.Print(string(rendered))
	return nil
}

// render converts bytecode into the requested output format.
func render(program []byte, format string) ([]byte, error) {
	switch format {
	case "bin":
		return program, nil

	case "hex":
		var sb strings.Builder
		for i, b := range program {
			if i > 0 {
				if i%16 == 0 {
					sb.WriteByte('\n')
				} else {
					sb.WriteByte(' ')
				}
			}
			fmt.Fprintf(&sb, "%02x", b)
		}
		sb.WriteByte('\n')
		return []byte(sb.String()), nil

	case "c":
		var sb strings.Builder
		fmt.Fprintf(&sb, "static const uint8_t apf_program[%d] = {\n", len(program))
		for i, b := range program {
			if i%12 == 0 {
				sb.WriteString("    ")
			}
			fmt.Fprintf(&sb, "0x%02x,", b)
			if i%12 == 11 || i == len(program)-1 {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString("};\n")
		return []byte(sb.String()), nil

	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// outputName derives the output file name from the input and format.
func outputName(input, format string) string {
	base := strings.TrimSuffix(input, ".apf")
	switch format {
	case "hex":
		return base + ".hex"
	case "c":
		return base + ".h"
	default:
		return base + ".bin"
	}
}
