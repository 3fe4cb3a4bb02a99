// Package retention turns duplicate groups into keep/delete plans and applies
// the temp-file and large-file cleanup policies. It only reads the catalog and
// never deletes anything.
package retention

import (
	"context"
	"sort"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/dedup"
	"storagejanitor/docstore"
	"storagejanitor/logger"
)

type Strategy string

const (
	KeepOldest Strategy = "keep_oldest"
	KeepNewest Strategy = "keep_newest"

	DefaultStrategy = KeepOldest
)

// ParseStrategy maps user input to a Strategy. The empty string selects the
// default.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return DefaultStrategy, nil
	case KeepOldest, KeepNewest:
		return Strategy(s), nil
	}
	return "", apperr.Validation("retention", "unknown strategy %q (want keep_oldest or keep_newest)", s)
}

// Plan keeps exactly one member of a duplicate group and suggests deleting the
// members that are separate copies of it.
type Plan struct {
	Key              string               `json:"key"`
	Method           dedup.Method         `json:"method"`
	Strategy         Strategy             `json:"strategy"`
	Keep             catalog.FileRecord   `json:"keep"`
	// KeepLinks are other names of the kept file. Removing them frees nothing.
	KeepLinks        []catalog.FileRecord `json:"keepLinks,omitempty"`
	SuggestDelete    []catalog.FileRecord `json:"suggestDelete"`
	PotentialSavings int64                `json:"potentialSavings"`
}

// PlanGroup orders members by path, then stable-sorts them by mtime, so equal
// timestamps always resolve the same way. keep_oldest keeps the first member
// and keep_newest the last. Hard links of the kept file are never suggested,
// and savings count each distinct file once.
func PlanGroup(g dedup.Group, strategy Strategy) (Plan, error) {
	strategy, err := ParseStrategy(string(strategy))
	if err != nil {
		return Plan{}, err
	}
	if len(g.Files) == 0 {
		return Plan{}, apperr.Validation("retention", "group %q has no members", g.Key)
	}

	members := make([]catalog.FileRecord, len(g.Files))
	copy(members, g.Files)
	sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })
	sort.SliceStable(members, func(i, j int) bool { return members[i].MTime.Before(members[j].MTime) })

	keepIdx := 0
	if strategy == KeepNewest {
		keepIdx = len(members) - 1
	}
	plan := Plan{
		Key:           g.Key,
		Method:        g.Method,
		Strategy:      strategy,
		Keep:          members[keepIdx],
		SuggestDelete: make([]catalog.FileRecord, 0, len(members)-1),
	}
	kept := dedup.FileKey(plan.Keep)
	for i, rec := range members {
		switch {
		case i == keepIdx:
		case dedup.FileKey(rec) == kept:
			plan.KeepLinks = append(plan.KeepLinks, rec)
		default:
			plan.SuggestDelete = append(plan.SuggestDelete, rec)
		}
	}
	plan.PotentialSavings = plan.Keep.Size * int64(dedup.DistinctFiles(plan.SuggestDelete))
	return plan, nil
}

type Request struct {
	// Hash restricts the suggestion to one duplicate group.
	Hash     string
	Strategy Strategy
	MinSize  int64
	Method   dedup.Method
	Limit    int
}

type Suggestion struct {
	Method       dedup.Method `json:"method"`
	Strategy     Strategy     `json:"strategy"`
	Plans        []Plan       `json:"plans"`
	TotalSavings int64        `json:"totalSavings"`
	Confidence   string       `json:"confidence"`
	Note         string       `json:"note,omitempty"`
}

type Planner struct {
	files    docstore.Collection[catalog.FileRecord]
	detector *dedup.Detector
}

func NewPlanner(files docstore.Collection[catalog.FileRecord]) *Planner {
	return &Planner{files: files, detector: dedup.NewDetector(files)}
}

// Suggest runs duplicate detection and plans every resulting group.
func (p *Planner) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return Suggestion{}, err
	}

	var res dedup.Result
	if req.Hash != "" {
		if req.Method == dedup.MethodFuzzy {
			return Suggestion{}, apperr.Validation("retention", "a hash filter requires hash mode")
		}
		g, err := p.detector.ForHash(ctx, req.Hash)
		if err != nil {
			return Suggestion{}, err
		}
		res = dedup.Result{Method: dedup.MethodHash, Summary: dedup.Summary{Confidence: dedup.ConfidenceExact}}
		if g != nil && g.Size >= req.MinSize {
			res.Duplicates = []dedup.Group{*g}
		}
	} else {
		res, err = p.detector.Find(ctx, dedup.Query{Method: req.Method, Limit: req.Limit, MinSize: req.MinSize})
		if err != nil {
			return Suggestion{}, err
		}
	}

	out := Suggestion{
		Method:     res.Method,
		Strategy:   strategy,
		Plans:      make([]Plan, 0, len(res.Duplicates)),
		Confidence: res.Summary.Confidence,
		Note:       res.Summary.Note,
	}
	for _, g := range res.Duplicates {
		plan, err := PlanGroup(g, strategy)
		if err != nil {
			return Suggestion{}, err
		}
		if len(plan.SuggestDelete) == 0 {
			continue
		}
		out.Plans = append(out.Plans, plan)
		out.TotalSavings += plan.PotentialSavings
	}
	logger.WithFields(map[string]interface{}{
		"method":   out.Method,
		"strategy": strategy,
		"plans":    len(out.Plans),
		"savings":  out.TotalSavings,
	}).Debug("retention plans computed")
	return out, nil
}
