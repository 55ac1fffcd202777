package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
	osmparser "transit_nav/pkg/osm"
)

func main() {
	input := flag.String("input", "", "Path to .osm.pbf file")
	output := flag.String("output", "catalog.json", "Output catalog document path")
	version := flag.String("version", "", "Catalog version (default: osm-<date>)")
	bbox := flag.String("bbox", "", "Bounding box filter: minLat,minLng,maxLat,maxLng (e.g. 14.35,120.90,14.80,121.15)")
	metroManila := flag.Bool("metro-manila", false, "Shortcut for --bbox 14.35,120.90,14.80,121.15 (Metro Manila bounding box)")
	spacing := flag.Float64("min-spacing", 50, "Minimum distance between kept waypoints in meters")
	taxi := flag.Bool("taxi", true, "Include the any-to-any taxi fallback")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Usage: catalogimport --input <file.osm.pbf> [--output catalog.json] [--version v] [--metro-manila | --bbox minLat,minLng,maxLat,maxLng]")
		os.Exit(1)
	}

	opts := osmparser.DefaultParseOptions()
	opts.MinSpacingMeters = *spacing
	if *metroManila {
		opts.Bounds = geo.NewBounds(14.35, 120.90, 14.80, 121.15)
		log.Println("Using Metro Manila bounding box filter: lat [14.35, 14.80], lng [120.90, 121.15]")
	} else if *bbox != "" {
		var minLat, minLng, maxLat, maxLng float64
		_, err := fmt.Sscanf(*bbox, "%f,%f,%f,%f", &minLat, &minLng, &maxLat, &maxLng)
		if err != nil {
			log.Fatalf("Invalid bbox format (expected minLat,minLng,maxLat,maxLng): %v", err)
		}
		opts.Bounds = geo.NewBounds(minLat, minLng, maxLat, maxLng)
		log.Printf("Using bounding box filter: lat [%.4f, %.4f], lng [%.4f, %.4f]", minLat, maxLat, minLng, maxLng)
	}
	if *version == "" {
		*version = "osm-" + time.Now().Format("20060102")
	}

	start := time.Now()

	// Step 1: Parse OSM route relations.
	log.Println("Opening OSM file...")
	f, err := os.Open(*input)
	if err != nil {
		log.Fatalf("Failed to open input file: %v", err)
	}
	defer f.Close()

	log.Println("Parsing OSM data...")
	routes, err := osmparser.Parse(context.Background(), f, opts)
	if err != nil {
		log.Fatalf("Failed to parse OSM data: %v", err)
	}

	// Step 2: Build the document and check it loads.
	var fallback *catalog.TaxiFallback
	if *taxi {
		fallback = &catalog.TaxiFallback{ID: "taxi", Name: "Taxi", Color: "#fdd835"}
	}
	doc := catalog.ToDocument(*version, routes, fallback)
	cat, err := catalog.FromDocument(doc)
	if err != nil {
		log.Fatalf("Imported catalog is invalid: %v", err)
	}
	stats := cat.Stats()
	log.Printf("Catalog %s: %d jeepneys, %d buses, %d extensions, %d waypoints",
		stats.Version, stats.Jeepneys, stats.Buses, stats.Extensions, stats.Waypoints)

	// Step 3: Write JSON.
	log.Printf("Writing catalog to %s...", *output)
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode catalog: %v", err)
	}
	if err := os.WriteFile(*output, body, 0o644); err != nil {
		log.Fatalf("Failed to write catalog: %v", err)
	}

	elapsed := time.Since(start)
	log.Printf("Done in %s. Output: %s (%.1f KB)", elapsed.Round(time.Millisecond), *output, float64(len(body))/1024)
}
