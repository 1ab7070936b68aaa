package supervise

import (
	"sort"
	"strconv"
	"strings"
)

// PortPlaceholder returns the placeholder a command uses to reference the
// port of another running service, e.g. ${server_port}. Dashes in the
// service name become underscores.
func PortPlaceholder(service string) string {
	return "${" + strings.ReplaceAll(service, "-", "_") + "_port}"
}

// Substitute replaces ${port} with port and ${<svc>_port} with the port of
// each service in running. Unknown placeholders are left untouched.
func Substitute(command string, port int, running map[string]int) string {
	pairs := []string{"${port}", strconv.Itoa(port)}
	names := make([]string, 0, len(running))
	for name := range running {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, PortPlaceholder(name), strconv.Itoa(running[name]))
	}
	return strings.NewReplacer(pairs...).Replace(command)
}

// shellScript builds the command line handed to the login shell.
func shellScript(dir, wrapper, command string) string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(shellQuote(dir))
	b.WriteString(" && ")
	if wrapper = strings.TrimSpace(wrapper); wrapper != "" {
		b.WriteString(wrapper)
		b.WriteString(" ")
	}
	b.WriteString(command)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
