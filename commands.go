package main

import (
	"errors"
	"flag"
	"fmt"
	"sort"

	"bilstmtrain/checkpoint"
	"bilstmtrain/dataset"
	"bilstmtrain/vocab"
)

func runVocab(args []string) error {
	corpus, rest := splitPositional(args)
	fs := flag.NewFlagSet("vocab", flag.ExitOnError)
	k := fs.Int("k", 0, "Number of most frequent characters to keep (0 keeps all)")
	out := fs.String("out", "", "Write the vocabulary as JSON to this file")
	fs.Parse(rest)
	if corpus == "" {
		corpus = fs.Arg(0)
	}
	if corpus == "" {
		fmt.Println("Error: CORPUS is required")
		fs.PrintDefaults()
		return errors.New("missing corpus")
	}

	sentences, err := dataset.ReadSentences(corpus)
	if err != nil {
		return err
	}
	var v *vocab.Vocabulary
	if *k > 0 {
		v, err = vocab.Build(sentences, *k)
	} else {
		v, err = vocab.BuildAll(sentences)
	}
	if err != nil {
		return err
	}

	fmt.Printf("📝 Vocabulary from %s (%d sentences)\n", corpus, len(sentences))
	fmt.Printf("   Size: %d (pad %d, unk %d)\n", v.Size(), v.Pad(), v.Unk())
	for id, r := range v.Chars() {
		fmt.Printf("  %3d -> %q\n", id, r)
	}
	if *out != "" {
		if err := v.Save(*out); err != nil {
			return fmt.Errorf("saving vocabulary: %w", err)
		}
		fmt.Printf("💾 Vocabulary saved to: %s\n", *out)
	}
	return nil
}

func runInspect(args []string) error {
	path, rest := splitPositional(args)
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Parse(rest)
	if path == "" {
		path = fs.Arg(0)
	}
	if path == "" {
		fmt.Println("Error: CHECKPOINT is required")
		return errors.New("missing checkpoint")
	}

	snap, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("📦 Checkpoint %s\n", path)
	fmt.Printf("   Epoch: %d, step: %d, best: %v\n", snap.Epoch, snap.Step, snap.Best)
	if snap.Optimizer != nil {
		fmt.Printf("   Optimizer state: %d steps\n", snap.Optimizer.Step)
	} else {
		fmt.Printf("   Optimizer state: none (weights only)\n")
	}
	names := make([]string, 0, len(snap.Metrics))
	for name := range snap.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("   %s: %.6f\n", name, snap.Metrics[name])
	}
	total := 0
	for _, t := range snap.Tensors {
		fmt.Printf("  %-16s %v\n", t.Name, t.Shape)
		total += len(t.Data)
	}
	fmt.Printf("   Tensors: %d, parameters: %d\n", len(snap.Tensors), total)
	return nil
}
