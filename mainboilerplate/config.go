package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// The first INI file named |configName| is used, of:
//   - The current working directory.
//   - ~/.config/hwm (under the user's $HOME or %UserProfile% directory).
//   - $HWM_CONFIG_ROOT, if set.
func MustParseConfig(parser *flags.Parser, configName string) {
	// Options unknown to this program may be intended for another.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, dir := range configDirs() {
		var path = filepath.Join(dir, configName)

		if err := iniParser.ParseFile(path); err == nil {
			log.WithField("path", path).Debug("parsed configuration file")
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Restore original options for parsing argument flags.
	parser.Options = origOptions
	MustParseArgs(parser)
}

func configDirs() []string {
	var dirs = []string{"."}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			dirs = append(dirs, filepath.Join(home, ".config", "hwm"))
		}
	}
	if root := os.Getenv("HWM_CONFIG_ROOT"); root != "" {
		dirs = append(dirs, root)
	}
	return dirs
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			Must(err, "fatal error")
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			// A developer error in the configuration struct, rather than of input.
			panic(err)

		case flags.ErrCommandRequired:
			// Follow "Please specify one command of: ..." with full usage.
			fmt.Fprintln(os.Stderr)
			writeUsage(parser)
			os.Exit(1)

		case flags.ErrHelp:
			if parser.Options&flags.PrintErrors == 0 {
				writeUsage(parser)
			} // Else, help was already printed.
			os.Exit(0)

		default:
			// An input error, of which go-flags has already printed a message.
			os.Exit(1)
		}
	}
}

func writeUsage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd to the Parser. The "print-config" command helps users test
// whether their applications are correctly configured, by exporting all runtime
// configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
