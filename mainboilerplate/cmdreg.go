package mainboilerplate

import "github.com/jessevdk/go-flags"

// AddCommandFunc adds a sub-command to a parent Command.
type AddCommandFunc func(*flags.Command) error

// CommandRegistry is a tree of commands, which may be registered by
// separate files (or packages) and then assembled under a root Command.
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry {
	return make(CommandRegistry)
}

// AddCommand registers a command under |parentName|, which is a dot-separated
// path of command names ("" is the root). Arguments are as flags.Command.AddCommand.
//
//	AddCommand("", "signal", ...)
//	AddCommand("signal", "write", ...)
func (cr CommandRegistry) AddCommand(parentName, command, short, long string, data interface{}) {
	cr[parentName] = append(cr[parentName], func(cmd *flags.Command) error {
		var _, err = cmd.AddCommand(command, short, long, data)
		return err
	})
}

// AddCommands adds registered commands of |rootName| under |rootCmd|. If
// |recursive|, sub-commands of those commands are added as well.
func (cr CommandRegistry) AddCommands(rootName string, rootCmd *flags.Command, recursive bool) error {
	for _, fn := range cr[rootName] {
		if err := fn(rootCmd); err != nil {
			return err
		}
	}
	if !recursive {
		return nil
	}
	for _, cmd := range rootCmd.Commands() {
		var name = cmd.Name
		if rootName != "" {
			name = rootName + "." + name
		}
		if err := cr.AddCommands(name, cmd, true); err != nil {
			return err
		}
	}
	return nil
}
