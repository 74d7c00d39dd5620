package main

import "fmt"

func formatAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
