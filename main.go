package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	command := os.Args[1]
	switch command {
	case "train":
		err = runTrain(os.Args[2:])
	case "vocab":
		err = runVocab(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("bilstmtrain - Character-Level BiLSTM Trainer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bilstmtrain train DATASET --config FILE [options]")
	fmt.Println("  bilstmtrain vocab CORPUS --k N [--out FILE]")
	fmt.Println("  bilstmtrain inspect CHECKPOINT")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train    Train an encoder on parallel sentence files")
	fmt.Println("  vocab    Build a character vocabulary from a corpus")
	fmt.Println("  inspect  Print the contents of a checkpoint")
}

// splitPositional moves a leading positional argument out of the way so
// flags may follow it, as in "train DATASET --config FILE".
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		return args[0], args[1:]
	}
	return "", args
}
