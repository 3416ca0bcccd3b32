// Package dataset downloads and caches the public epidemiology datasets the
// engine ships ready-made support for. Raw files are cached on disk (and
// optionally in Redis for shared deployments); decoded frames are held in a
// bounded in-process LRU.
package dataset

import (
	"fmt"
	"sort"
)

// Info describes one registered dataset.
type Info struct {
	Name        string
	Title       string
	URL         string
	Description string
	Citation    string
	SizeMB      float64
	Format      string
}

// registry holds the built-in datasets. Keys are the names users pass to
// Fetch and Load.
var registry = map[string]Info{
	"framingham_mini": {
		Name:        "framingham_mini",
		Title:       "Framingham Heart Study (Mini)",
		URL:         "https://raw.githubusercontent.com/JWarmenhoven/Framingham/master/Data/framingham.csv",
		Description: "A subset of the Framingham Heart Study data focusing on cardiovascular risk factors.",
		Citation:    "Dawber et al. (1951)",
		SizeMB:      0.1,
		Format:      "csv",
	},
	"covid_counties": {
		Name:        "covid_counties",
		Title:       "US Counties COVID-19 Data",
		URL:         "https://raw.githubusercontent.com/nytimes/covid-19-data/master/us-counties-2020.csv",
		Description: "County-level data for COVID-19 cases and deaths in the United States by The New York Times.",
		Citation:    "The New York Times (2020)",
		SizeMB:      2.5,
		Format:      "csv",
	},
	"who_mortality": {
		Name:        "who_mortality",
		Title:       "WHO Mortality Data",
		URL:         "https://raw.githubusercontent.com/owid/owid-datasets/master/datasets/Life%20expectancy%20-%20WHO%20(2019)/Life%20expectancy%20-%20WHO%20(2019).csv",
		Description: "Global mortality rates and life expectancy data from the World Health Organization.",
		Citation:    "World Health Organization (2019)",
		SizeMB:      0.2,
		Format:      "csv",
	},
}

// GetInfo returns metadata for a registered dataset.
func GetInfo(name string) (Info, error) {
	info, ok := registry[name]
	if !ok {
		return Info{}, fmt.Errorf("dataset %q not found; available: %v", name, Names())
	}
	return info, nil
}

// Names returns the registered dataset names in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// List returns metadata for every registered dataset, sorted by name.
func List() []Info {
	out := make([]Info, 0, len(registry))
	for _, name := range Names() {
		out = append(out, registry[name])
	}
	return out
}
