// Package main is the marionet command line: provision sandboxes, drive
// them with one-shot commands, and run the in-sandbox control plane.
package main
