package main

import "go.gazette.dev/hwm/cmd/hwmctl/hwmctlcmd"

func main() { hwmctlcmd.Execute() }
