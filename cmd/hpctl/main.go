package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/dougsko/hardplace/pkg/client"
	"github.com/dougsko/hardplace/pkg/protocol"
)

var (
	socketPath = flag.StringP("socket", "s", "/tmp/hardplace.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'HPPM;')")
	yes        = flag.BoolP("yes", "y", false, "Confirm console prompts without asking")
)

func main() {
	flag.Usage = showHelp
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	client := client.NewSocketClient(*socketPath)
	stdin := bufio.NewReader(os.Stdin)

	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			interactive(client, stdin)
			return
		}
	}

	if err := run(client, stdin, *command); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run sends one command. Console commands print their text and may stop
// to ask the operator; daemon verbs print the JSON response.
func run(c *client.SocketClient, stdin *bufio.Reader, line string) error {
	if protocol.IsConsoleCommand(line) {
		text, err := c.Console(line, func(prompt, text string) bool {
			fmt.Print(text)
			fmt.Println(prompt)
			if *yes {
				return true
			}
			fmt.Print("[press Enter to continue] ")
			_, err := stdin.ReadString('\n')
			return err == nil
		})
		fmt.Print(text)
		return err
	}

	response, err := c.SendCommand(line)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", response.String())
	return nil
}

// interactive reads commands until EOF or QUIT, like a serial console
func interactive(c *client.SocketClient, stdin *bufio.Reader) {
	if !c.IsConnected() {
		fmt.Fprintf(os.Stderr, "Error: no daemon on %s\n", *socketPath)
		os.Exit(1)
	}
	fmt.Println("hpctl connected. HPHE; lists console commands, QUIT leaves.")

	for {
		fmt.Print("> ")
		line, err := stdin.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if strings.EqualFold(line, protocol.CmdQuit) {
				return
			}
			if rerr := run(c, stdin, line); rerr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", rerr)
			}
		}
		if err != nil {
			fmt.Println()
			return
		}
	}
}

func showHelp() {
	fmt.Println("hpctl - Hardplace Bridge Control Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] [command]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Without a command hpctl reads commands interactively.")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Daemon commands:")
	fmt.Println("  STATUS                    Get bridge status")
	fmt.Println("  EVENTS                    Get recent events")
	fmt.Println("  EVENTS:10                 Get last 10 events")
	fmt.Println("  EVENTS:since:<id>         Get events after id")
	fmt.Println("  EVENTS:kind:<kind>        Get events of one kind (band, tune, amplifier, ...)")
	fmt.Println("  EVENTS:stats              Get journal statistics")
	fmt.Println("  TABLES                    Get power tables")
	fmt.Println("  USBMAP                    Get USB amplifier assignments")
	fmt.Println("  TUNING:<A|B>:<1|2>:<on|off>  Allow or forbid tuning on an antenna")
	fmt.Println("  PAIR                      Pair with the IC-705")
	fmt.Println("  PAIR:clear                Forget the paired radio")
	fmt.Println("  PING                      Test connection")
	fmt.Println()
	fmt.Println("Console commands (HPHE; lists them all):")
	fmt.Println("  HPMP;  HPIP;  HPRP;  HPPM;  HPPS;  HPPT;  HPDE1;  HPAT+VERSION?;")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s 'HPPM;'\n", os.Args[0])
	fmt.Printf("  %s -y 'HPMP;'\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U /tmp/hardplace.sock\n")
}
