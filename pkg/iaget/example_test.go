// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget_test

import (
	"context"
	"fmt"

	"github.com/ia-get/ia-get/pkg/iaget"
)

func ExampleFetchDescriptor() {
	ctx := context.Background()
	transport := iaget.NewTransport(iaget.DefaultTransportConfig())

	desc, err := iaget.FetchDescriptor(ctx, "nasa-images-1969", transport)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("%s has %d files\n", desc.Identifier, len(desc.Files))
}

func ExampleBuildPlan() {
	desc := &iaget.ItemDescriptor{
		Identifier:    "nasa-images-1969",
		PrimaryServer: "ia800101.us.archive.org",
		Files: []iaget.FileRecord{
			{Name: "moon.jpg", Format: "JPEG"},
			{Name: "moon_thumb.jpg", Format: "Thumbnail"},
			{Name: "moon.mp4", Format: "h.264"},
		},
	}

	plan, err := iaget.BuildPlan(desc, iaget.PlanOptions{
		Include: []string{"JPEG"},
	}, "./Downloads", iaget.DefaultEngineOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	for _, f := range plan.Files {
		fmt.Println(f.Name)
	}
	// Output:
	// moon.jpg
}

func ExampleEngine_Run() {
	ctx := context.Background()
	transport := iaget.NewTransport(iaget.DefaultTransportConfig())

	desc, err := iaget.FetchDescriptor(ctx, "nasa-images-1969", transport)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	plan, err := iaget.BuildPlan(desc, iaget.PlanOptions{}, "./Downloads", iaget.DefaultEngineOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	sess, err := iaget.OpenOrCreate(desc.Identifier, "./Downloads", desc, plan)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer sess.Close()

	eng := iaget.NewEngine(transport)
	result, err := eng.Run(ctx, plan, sess, iaget.ObserverFunc(func(e iaget.Event) {
		if e.Kind == iaget.EventFileDone {
			fmt.Printf("%s: %s\n", e.Name, e.Outcome)
		}
	}))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("completed=%d failed=%d\n", result.Completed, result.Failed)
}

func ExampleResolveIdentifier() {
	id, err := iaget.ResolveIdentifier("https://archive.org/details/nasa-images-1969")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(id)
	// Output:
	// nasa-images-1969
}

func ExampleCompressionTag() {
	tag, ok := iaget.CompressionTag("", "telemetry.tar.gz")
	fmt.Println(tag, ok)
	// Output:
	// tar.gz true
}
