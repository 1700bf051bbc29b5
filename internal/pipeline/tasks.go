// Package pipeline supplies a handful of illustrative task functions
// standing in for the bioinformatics analyses named in the original
// script (sequence retrieval, structure fetch, expression fetch,
// secretion-assay fetch). They are intentionally thin: no real
// STRING/NCBI/PDB calls are made here, but each exercises the full
// task-function ABI, a cache-aware skip via internal/cache, and an
// internal/resilience.RateLimiter and internal/resilience.CircuitBreaker
// guarding the (simulated) outbound call. Grounded on the four fetch_*
// methods of original_source/versions/1.0.0/bin/data_fetch_robust.py's
// DataFetcher.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bioflow/orchestrator/internal/cache"
	"github.com/bioflow/orchestrator/internal/fingerprint"
	"github.com/bioflow/orchestrator/internal/registry"
	"github.com/bioflow/orchestrator/internal/resilience"
	"github.com/bioflow/orchestrator/internal/workflow"
)

// Fetcher bundles the shared dependencies of the four sample fetch
// task functions and registers them under fixed names that workflow
// definitions refer to as function_ref.
type Fetcher struct {
	cache   *cache.Cache
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

// NewFetcher builds a Fetcher rooted at cacheDir, with a token-bucket
// limiter and a circuit breaker both guarding every simulated outbound
// call (capacity/fillRate and breaker thresholds chosen generously;
// real deployments tune these against the actual external service's
// documented rate limit and observed failure behavior).
func NewFetcher(cacheDir string, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker) (*Fetcher, error) {
	c, err := cache.New(cacheDir, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("pipeline: new fetcher: %w", err)
	}
	return &Fetcher{cache: c, limiter: limiter, breaker: breaker}, nil
}

// Register wires all four sample task functions into reg under the
// names "fetch_ncbi_sequence", "fetch_pdb_structure",
// "fetch_geo_expression", and "fetch_hsd_secretion".
func (f *Fetcher) Register(reg *registry.Registry) {
	reg.Register("fetch_ncbi_sequence", f.FetchNCBISequence)
	reg.Register("fetch_pdb_structure", f.FetchPDBStructure)
	reg.Register("fetch_geo_expression", f.FetchGEOExpression)
	reg.Register("fetch_hsd_secretion", f.FetchHSDSecretion)
}

// fetch is the shared cache-gated-simulated-call shape behind all four
// sample sources: check the cache, and on a miss "fetch" (here: write
// a small deterministic artifact standing in for the real payload) and
// record it in the manifest. source keys the cache slot; query is
// hashed into the cache key so distinct queries against the same
// source never collide.
func (f *Fetcher) fetch(ctx context.Context, source string, args workflow.Args, cancel <-chan struct{}, synth func(dir string) (string, error)) (workflow.Result, error) {
	query, _ := args["query"].(string)
	key := fingerprint.CacheKey(source, query)
	slot := source + "-" + key

	if ok, _ := f.cache.Valid(slot); ok {
		files := f.cache.ReadFiles(slot)
		return workflow.Result{"source": source, "cached": true, "files": files}, nil
	}

	if f.limiter != nil && !f.limiter.Allow() {
		return nil, &workflow.TaskError{Kind: workflow.ErrTransientIo, Message: fmt.Sprintf("%s: rate limit exceeded", source)}
	}

	if f.breaker != nil && !f.breaker.Allow() {
		return nil, &workflow.TaskError{Kind: workflow.ErrTransientIo, Message: fmt.Sprintf("%s: circuit breaker open", source)}
	}

	select {
	case <-cancel:
		return nil, &workflow.TaskError{Kind: workflow.ErrCancelled, Message: source + ": cancelled before fetch"}
	case <-ctx.Done():
		return nil, workflow.NewTaskError(workflow.ErrTimeout, ctx.Err())
	default:
	}

	path, err := f.attempt(source, synth)
	if f.breaker != nil {
		f.breaker.RecordResult(err == nil)
	}
	if err != nil {
		return nil, err
	}

	if err := f.cache.Write(slot, []string{path}, map[string]any{"query": query}); err != nil {
		return nil, &workflow.TaskError{Kind: workflow.ErrInternal, Message: err.Error()}
	}
	return workflow.Result{"source": source, "cached": false, "files": []string{path}}, nil
}

// attempt runs the simulated outbound call itself: the portion the
// circuit breaker's RecordResult judges success or failure on,
// independent of the subsequent cache write.
func (f *Fetcher) attempt(source string, synth func(dir string) (string, error)) (string, error) {
	dir, err := os.MkdirTemp("", "bioflow-"+source+"-*")
	if err != nil {
		return "", &workflow.TaskError{Kind: workflow.ErrInternal, Message: err.Error()}
	}
	path, err := synth(dir)
	if err != nil {
		return "", &workflow.TaskError{Kind: workflow.ErrInternal, Message: err.Error()}
	}
	return path, nil
}

// FetchNCBISequence stands in for task 1 of the original script:
// pulling a FASTA record for a protein accession.
func (f *Fetcher) FetchNCBISequence(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
	return f.fetch(ctx, "ncbi", args, cancel, func(dir string) (string, error) {
		path := filepath.Join(dir, "sequence_cache.csv")
		accession, _ := args["query"].(string)
		if accession == "" {
			accession = "NP_000001"
		}
		body := fmt.Sprintf("id,sequence,length\n%s,MKTAYIAKQRQISFVKSHFSRQLEERLGLIEVQAPILSRVGDGTQDNLSGAEKAVQVKVKALPDAQFEVVHSLAKWKRQTLGQHDFSAGEGLYTHMKALRPDEDRLSPLHSVYVDQWDWELVMGDGDRQFSTLKSTVEAIWAGIKATEAAVSEEFGLAPFLPDQIHFVHSQELLSRYPDLDAKGRERAIAKDLGAVFLVGIGGKLSDGHRHDVRAPDYDDWSTPSELGHAGLNGDILVWNPVLEDAFELSSMGIRVDADTLKHQLALTGDEDRLELEWHQALLRGEMPQTIGGGIGQSRLTMLLLQLPHIGQVQAGVWPAAVRESVPSLL,%d\n", accession, len(accession))
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
}

// FetchPDBStructure stands in for task 2 of the original script:
// pulling a PDB structure file for a protein's known entries.
func (f *Fetcher) FetchPDBStructure(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
	return f.fetch(ctx, "pdb", args, cancel, func(dir string) (string, error) {
		pdbID, _ := args["query"].(string)
		if pdbID == "" {
			pdbID = "1XYZ"
		}
		path := filepath.Join(dir, pdbID+".pdb")
		body := fmt.Sprintf("HEADER    STAND-IN STRUCTURE   %s\nREMARK   synthetic placeholder, not a real deposition\nEND\n", pdbID)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
}

// FetchGEOExpression stands in for task 3 of the original script:
// pulling a gene expression matrix from a GEO series.
func (f *Fetcher) FetchGEOExpression(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
	return f.fetch(ctx, "geo", args, cancel, func(dir string) (string, error) {
		series, _ := args["query"].(string)
		if series == "" {
			series = "GSE00000"
		}
		path := filepath.Join(dir, "geo_cache.csv")
		body := fmt.Sprintf("series,gene,tpm\n%s,GENE1,12.4\n%s,GENE2,3.1\n", series, series)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
}

// FetchHSDSecretion stands in for task 4 of the original script:
// pulling a hormone-secretion-dynamics assay result.
func (f *Fetcher) FetchHSDSecretion(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
	return f.fetch(ctx, "hsd", args, cancel, func(dir string) (string, error) {
		assayID, _ := args["query"].(string)
		if assayID == "" {
			assayID = "HSD-000"
		}
		path := filepath.Join(dir, "hsd_cache.csv")
		body := fmt.Sprintf("assay_id,secretion_rate\n%s,0.87\n", assayID)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
}
