// Package graphql provides a GraphQL API over the news analysis workbench.
//
// # Architecture Overview
//
// The schema is organized around the workbench's domain objects rather than
// around any single backing service: Article, NewsSource, BrowsingHistory,
// LLMAnalysisRecord, LLMConfigProfile, and EventCluster. Queries are
// read-only projections of Storage/DataProcessor state; mutations drive the
// CRUD surface (§4.1), the LLM config manager (§4.2), the clusterer/data
// processor pipeline (§4.3/§4.4), and the analysis engine (§4.5).
//
// # Integration Points
//
//   - Storage: DuckDB-backed article/source/history/analysis persistence
//   - ConfigManager: Badger-backed LLM profile CRUD and activation
//   - Clusterer / DataProcessor: event grouping, category lookups
//   - AnalysisEngine: LLM-mediated analysis with retry and archival
//   - SourceStatus: health-check batches over news sources
package graphql

import (
	"fmt"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"

	"github.com/newsworkbench/engine/server/internal/analysis"
	"github.com/newsworkbench/engine/server/internal/cluster"
	"github.com/newsworkbench/engine/server/internal/config"
	"github.com/newsworkbench/engine/server/internal/dataprocessor"
	"github.com/newsworkbench/engine/server/internal/models"
	"github.com/newsworkbench/engine/server/internal/sourcestatus"
	"github.com/newsworkbench/engine/server/internal/storage"
)

// ============================================================================
// SMALL SHARED HELPERS
// ============================================================================

// timeOrNil projects a *time.Time into a GraphQL-friendly value: an
// RFC3339 string, or nil.
func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func optionalString(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok && v != nil {
		return v.(string)
	}
	return ""
}

func optionalBool(args map[string]interface{}, key string) *bool {
	if v, ok := args[key]; ok && v != nil {
		b := v.(bool)
		return &b
	}
	return nil
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, len(list))
	for i, e := range list {
		out[i], _ = e.(string)
	}
	return out
}

func int64Slice(v interface{}) []int64 {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int64, len(list))
	for i, e := range list {
		switch n := e.(type) {
		case int:
			out[i] = int64(n)
		case int64:
			out[i] = n
		case float64:
			out[i] = int64(n)
		}
	}
	return out
}

// Handler builds the GraphQL HTTP handler for the workbench API, wiring
// every query/mutation to the supplied service set. Construction order in
// the caller should be leaves-first (Storage, then ConfigManager, then
// Clusterer/DataProcessor/AnalysisEngine/SourceStatus on top), but this
// function itself just wires whatever it is given.
func Handler(
	store *storage.Storage,
	cfgManager *config.Manager,
	clust *cluster.Clusterer,
	dp *dataprocessor.DataProcessor,
	engine *analysis.Engine,
	statusSvc *sourcestatus.Service,
) (*handler.Handler, error) {

	// ========================================================================
	// OBJECT TYPES
	// ========================================================================

	articleType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Article",
		Fields: graphql.Fields{
			"id":            &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"link":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"title":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"content":       &graphql.Field{Type: graphql.String},
			"summary":       &graphql.Field{Type: graphql.String},
			"sourceName":    &graphql.Field{Type: graphql.String},
			"sourceUrl":     &graphql.Field{Type: graphql.String},
			"categoryName":  &graphql.Field{Type: graphql.String},
			"imageUrl":      &graphql.Field{Type: graphql.String},
			"isRead":        &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
			"llmSummary":    &graphql.Field{Type: graphql.String},
			"publishTime": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					a := p.Source.(models.Article)
					return timeOrNil(a.PublishTime), nil
				},
			},
			"retrievalTime": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					a := p.Source.(models.Article)
					return timeOrNil(a.RetrievalTime), nil
				},
			},
		},
	})

	newsSourceType := graphql.NewObject(graphql.ObjectConfig{
		Name: "NewsSource",
		Fields: graphql.Fields{
			"id":           &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"name":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"url":          &graphql.Field{Type: graphql.String},
			"categoryName": &graphql.Field{Type: graphql.String},
			"isEnabled":    &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
			"isUserAdded":  &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
			"notes":        &graphql.Field{Type: graphql.String},
			"type": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return string(p.Source.(models.NewsSource).Type), nil
				},
			},
			"status": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return string(p.Source.(models.NewsSource).Status), nil
				},
			},
			"lastError":             &graphql.Field{Type: graphql.String},
			"consecutiveErrorCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"lastCheckedTime": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					src := p.Source.(models.NewsSource)
					return timeOrNil(src.LastCheckedTime), nil
				},
			},
		},
	})

	browsingHistoryEntryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "BrowsingHistoryEntry",
		Fields: graphql.Fields{
			"id":        &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"articleId": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"viewTime": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					v := p.Source.(storage.BrowsingHistoryView)
					return timeOrNil(v.Entry.ViewTime), nil
				},
			},
			"article": &graphql.Field{
				Type: articleType,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					v := p.Source.(storage.BrowsingHistoryView)
					return v.Article, nil
				},
			},
		},
	})

	llmAnalysisRecordType := graphql.NewObject(graphql.ObjectConfig{
		Name: "LLMAnalysisRecord",
		Fields: graphql.Fields{
			"id":                 &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"analysisType":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"analysisResultText": &graphql.Field{Type: graphql.String},
			"metaNewsCount":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"metaNewsTitles":     &graphql.Field{Type: graphql.NewList(graphql.String)},
			"metaNewsSources":    &graphql.Field{Type: graphql.NewList(graphql.String)},
			"metaCategories":     &graphql.Field{Type: graphql.NewList(graphql.String)},
			"metaGroups":         &graphql.Field{Type: graphql.NewList(graphql.String)},
			"metaErrorInfo":      &graphql.Field{Type: graphql.String},
			"analysisTimestamp": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					r := p.Source.(models.LLMAnalysisRecord)
					return timeOrNil(r.AnalysisTimestamp), nil
				},
			},
		},
	})

	llmConfigProfileType := graphql.NewObject(graphql.ObjectConfig{
		Name: "LLMConfigProfile",
		Fields: graphql.Fields{
			"name":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"apiUrl":      &graphql.Field{Type: graphql.String},
			"model":       &graphql.Field{Type: graphql.String},
			"temperature": &graphql.Field{Type: graphql.Float},
			"maxTokens":   &graphql.Field{Type: graphql.Int},
			"timeout":     &graphql.Field{Type: graphql.Int},
			"provider": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return string(p.Source.(models.LLMConfigProfile).Provider), nil
				},
			},
			// The API key is never exposed in full; only a masked tail
			// reaches the presentation layer.
			"maskedApiKey": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					cfg := p.Source.(models.LLMConfigProfile)
					return config.MaskApiKey(cfg.ApiKey.Primary()), nil
				},
			},
		},
	})

	eventClusterType := graphql.NewObject(graphql.ObjectConfig{
		Name: "EventCluster",
		Fields: graphql.Fields{
			"eventId":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"title":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"summary":  &graphql.Field{Type: graphql.String},
			"category": &graphql.Field{Type: graphql.String},
			"keywords": &graphql.Field{Type: graphql.NewList(graphql.String)},
			"sources":  &graphql.Field{Type: graphql.NewList(graphql.String)},
			"reports":  &graphql.Field{Type: graphql.NewList(articleType)},
		},
	})

	analysisResultType := graphql.NewObject(graphql.ObjectConfig{
		Name: "AnalysisResult",
		Fields: graphql.Fields{
			"analysis":      &graphql.Field{Type: graphql.String},
			"importance":    &graphql.Field{Type: graphql.Int},
			"stance":        &graphql.Field{Type: graphql.Float},
			"formattedText": &graphql.Field{Type: graphql.String},
			"errorMessage":  &graphql.Field{Type: graphql.String},
		},
	})

	sourceCheckResultType := graphql.NewObject(graphql.ObjectConfig{
		Name: "SourceCheckResult",
		Fields: graphql.Fields{
			"sourceName": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"status":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"message":    &graphql.Field{Type: graphql.String},
		},
	})

	checkBatchResultType := graphql.NewObject(graphql.ObjectConfig{
		Name: "CheckBatchResult",
		Fields: graphql.Fields{
			"checked": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"results": &graphql.Field{Type: graphql.NewList(sourceCheckResultType)},
		},
	})

	// ========================================================================
	// INPUT TYPES
	// ========================================================================

	newsSourceInputType := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: "NewsSourceInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"name":         &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
			"type":         &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
			"url":          &graphql.InputObjectFieldConfig{Type: graphql.String},
			"categoryName": &graphql.InputObjectFieldConfig{Type: graphql.String},
			"isEnabled":    &graphql.InputObjectFieldConfig{Type: graphql.Boolean},
			"notes":        &graphql.InputObjectFieldConfig{Type: graphql.String},
		},
	})

	llmConfigInputType := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: "LLMConfigInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"provider":    &graphql.InputObjectFieldConfig{Type: graphql.String},
			"apiUrl":      &graphql.InputObjectFieldConfig{Type: graphql.String},
			"model":       &graphql.InputObjectFieldConfig{Type: graphql.String},
			"apiKey":      &graphql.InputObjectFieldConfig{Type: graphql.String},
			"temperature": &graphql.InputObjectFieldConfig{Type: graphql.Float},
			"maxTokens":   &graphql.InputObjectFieldConfig{Type: graphql.Int},
			"timeout":     &graphql.InputObjectFieldConfig{Type: graphql.Int},
		},
	})

	// ========================================================================
	// QUERIES
	// ========================================================================

	rootQuery := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"articles": &graphql.Field{
				Type: graphql.NewList(articleType),
				Args: graphql.FieldConfigArgument{
					"category":   &graphql.ArgumentConfig{Type: graphql.String},
					"isRead":     &graphql.ArgumentConfig{Type: graphql.Boolean},
					"searchTerm": &graphql.ArgumentConfig{Type: graphql.String},
					"limit":      &graphql.ArgumentConfig{Type: graphql.Int},
					"offset":     &graphql.ArgumentConfig{Type: graphql.Int},
				},
				// Lists and optionally filters/paginates articles; a non-empty searchTerm is matched
				// against title and content, an empty one applies no search.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					filter := storage.ArticleFilter{
						Category:   optionalString(p.Args, "category"),
						IsRead:     optionalBool(p.Args, "isRead"),
						SearchTerm: optionalString(p.Args, "searchTerm"),
					}
					if filter.SearchTerm != "" {
						filter.SearchFields = []string{"title", "content"}
					}
					limit, _ := p.Args["limit"].(int)
					offset, _ := p.Args["offset"].(int)
					return store.GetAllArticles(filter, storage.ArticleSort{}, storage.Paging{Limit: limit, Offset: offset})
				},
			},
			"article": &graphql.Field{
				Type: articleType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					id := int64(p.Args["id"].(int))
					a, err := store.GetArticleByID(id)
					if err != nil || a == nil {
						return nil, err
					}
					return *a, nil
				},
			},
			"articleByLink": &graphql.Field{
				Type: articleType,
				Args: graphql.FieldConfigArgument{
					"link": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					a, err := store.GetArticleByLink(p.Args["link"].(string))
					if err != nil || a == nil {
						return nil, err
					}
					return *a, nil
				},
			},
			"totalArticles": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Int),
				Args: graphql.FieldConfigArgument{
					"category": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return store.GetTotalArticlesCount(storage.ArticleFilter{Category: optionalString(p.Args, "category")})
				},
			},
			"newsSources": &graphql.Field{
				Type: graphql.NewList(newsSourceType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return store.GetAllNewsSources()
				},
			},
			"browsingHistory": &graphql.Field{
				Type: graphql.NewList(browsingHistoryEntryType),
				Args: graphql.FieldConfigArgument{
					"daysLimit": &graphql.ArgumentConfig{Type: graphql.Int},
					"limit":     &graphql.ArgumentConfig{Type: graphql.Int},
					"offset":    &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					var daysLimit *int
					if v, ok := p.Args["daysLimit"].(int); ok {
						daysLimit = &v
					}
					limit, _ := p.Args["limit"].(int)
					offset, _ := p.Args["offset"].(int)
					return store.GetBrowsingHistory(daysLimit, limit, offset)
				},
			},
			"llmAnalysesForArticle": &graphql.Field{
				Type: graphql.NewList(llmAnalysisRecordType),
				Args: graphql.FieldConfigArgument{
					"articleId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return store.GetLLMAnalysesForArticle(int64(p.Args["articleId"].(int)))
				},
			},
			"llmConfigNames": &graphql.Field{
				Type: graphql.NewList(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return cfgManager.GetConfigNames()
				},
			},
			"llmConfig": &graphql.Field{
				Type: llmConfigProfileType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					cfg, err := cfgManager.GetConfig(p.Args["name"].(string))
					if err != nil || cfg == nil {
						return nil, err
					}
					return *cfg, nil
				},
			},
			"activeLLMConfig": &graphql.Field{
				Type: llmConfigProfileType,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					cfg, err := cfgManager.GetActiveConfig()
					if err != nil || cfg == nil {
						return nil, err
					}
					return *cfg, nil
				},
			},
			"newsByCategory": &graphql.Field{
				Type: graphql.NewList(articleType),
				Args: graphql.FieldConfigArgument{
					"categoryId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return dp.GetNewsByCategory(p.Args["categoryId"].(string)), nil
				},
			},
			"categoryName": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Args: graphql.FieldConfigArgument{
					"categoryId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return dp.GetCategoryName(p.Args["categoryId"].(string)), nil
				},
			},
		},
	})

	// ========================================================================
	// MUTATIONS
	// ========================================================================

	rootMutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"setArticleReadStatus": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"link":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"isRead": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Boolean)},
				},
				// Idempotent: repeating the same call never errors and
				// always converges on the requested state.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return store.SetArticleReadStatus(p.Args["link"].(string), p.Args["isRead"].(bool))
				},
			},
			"addBrowsingHistory": &graphql.Field{
				Type: graphql.Int,
				Args: graphql.FieldConfigArgument{
					"articleId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
				},
				// Requires an extant article; a nonexistent articleId records
				// nothing and returns null.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					id, err := store.AddBrowsingHistory(int64(p.Args["articleId"].(int)), nil)
					if err != nil || id == nil {
						return nil, err
					}
					return int(*id), nil
				},
			},
			"addNewsSource": &graphql.Field{
				Type: graphql.Int,
				Args: graphql.FieldConfigArgument{
					"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(newsSourceInputType)},
				},
				// A name collision is not an error: it returns
				// nil without creating a duplicate row.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					input := p.Args["input"].(map[string]interface{})
					src := models.NewsSource{
						Name:         input["name"].(string),
						Type:         models.SourceType(input["type"].(string)),
						URL:          optionalString(input, "url"),
						CategoryName: optionalString(input, "categoryName"),
						Notes:        optionalString(input, "notes"),
						IsUserAdded:  true,
					}
					if v, ok := input["isEnabled"].(bool); ok {
						src.IsEnabled = v
					} else {
						src.IsEnabled = true
					}
					id, err := store.AddNewsSource(src)
					if err != nil || id == nil {
						return nil, err
					}
					return int(*id), nil
				},
			},
			"updateNewsSource": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"name":         &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"url":          &graphql.ArgumentConfig{Type: graphql.String},
					"categoryName": &graphql.ArgumentConfig{Type: graphql.String},
					"isEnabled":    &graphql.ArgumentConfig{Type: graphql.Boolean},
					"notes":        &graphql.ArgumentConfig{Type: graphql.String},
				},
				// Re-enabling a source clears its error state, so a successful isEnabled=true
				// update also resets status via SourceStatus.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					name := p.Args["name"].(string)
					fields := map[string]any{}
					if v, ok := p.Args["url"].(string); ok {
						fields["url"] = v
					}
					if v, ok := p.Args["categoryName"].(string); ok {
						fields["category_name"] = v
					}
					if v, ok := p.Args["notes"].(string); ok {
						fields["notes"] = v
					}
					var reenabled bool
					if v, ok := p.Args["isEnabled"].(bool); ok {
						fields["is_enabled"] = v
						reenabled = v
					}
					ok, err := store.UpdateNewsSource(name, fields)
					if err == nil && ok && reenabled && statusSvc != nil {
						_, _ = statusSvc.ResetStatus(name)
					}
					return ok, err
				},
			},
			"deleteNewsSource": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return store.DeleteNewsSource(p.Args["name"].(string))
				},
			},
			"checkSourceStatuses": &graphql.Field{
				Type: checkBatchResultType,
				// Runs a full status-check batch synchronously, draining
				// every event before returning. Rejected if a
				// batch is already in flight.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					if statusSvc == nil {
						return nil, fmt.Errorf("source status checking is not configured")
					}
					events, err := statusSvc.CheckAll(p.Context)
					if err != nil {
						return nil, err
					}
					var results []map[string]interface{}
					checked := 0
					for e := range events {
						switch e.Kind {
						case sourcestatus.EventSourceChecked:
							results = append(results, map[string]interface{}{
								"sourceName": e.SourceName,
								"status":     string(e.Status),
								"message":    e.Message,
							})
						case sourcestatus.EventBatchFinished:
							checked = e.Checked
						}
					}
					return map[string]interface{}{"checked": checked, "results": results}, nil
				},
			},
			"addOrUpdateLLMConfig": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"name":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(llmConfigInputType)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					name := p.Args["name"].(string)
					input := p.Args["input"].(map[string]interface{})
					profile := models.LLMConfigProfile{
						Provider: models.Provider(optionalString(input, "provider")),
						ApiURL:   optionalString(input, "apiUrl"),
						Model:    optionalString(input, "model"),
					}
					if v := optionalString(input, "apiKey"); v != "" {
						profile.ApiKey = models.NewSingleApiKey(v)
					}
					if v, ok := input["temperature"].(float64); ok {
						profile.Temperature = v
					}
					if v, ok := input["maxTokens"].(int); ok {
						profile.MaxTokens = v
					}
					if v, ok := input["timeout"].(int); ok {
						profile.Timeout = v
					}
					return cfgManager.AddOrUpdateConfig(name, profile)
				},
			},
			"deleteLLMConfig": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return cfgManager.DeleteConfig(p.Args["name"].(string))
				},
			},
			"setActiveLLMConfig": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.String},
				},
				// Rejects activation of an unknown profile without changing
				// state.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					var name *string
					if v, ok := p.Args["name"].(string); ok {
						name = &v
					}
					return cfgManager.SetActiveConfigName(name)
				},
			},
			"loadNewsData": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					if err := dp.LoadNewsData(); err != nil {
						return false, err
					}
					return true, nil
				},
			},
			"autoGroupNews": &graphql.Field{
				Type: graphql.NewList(eventClusterType),
				Args: graphql.FieldConfigArgument{
					"categoryId": &graphql.ArgumentConfig{Type: graphql.String},
					"method":     &graphql.ArgumentConfig{Type: graphql.String},
				},
				// method "multi_feature" delegates to the clusterer; anything
				// else (including omission) runs the title-similarity
				// fallback.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					categoryID := optionalString(p.Args, "categoryId")
					if categoryID == "" {
						categoryID = dataprocessor.AllCategoryID
					}
					items := dp.GetNewsByCategory(categoryID)
					return dp.AutoGroupNews(p.Context, items, optionalString(p.Args, "method"))
				},
			},
			"analyzeNews": &graphql.Field{
				Type: analysisResultType,
				Args: graphql.FieldConfigArgument{
					"articleIds":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.Int))},
					"analysisType": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"customPrompt": &graphql.ArgumentConfig{Type: graphql.String},
				},
				// The single entry point for LLM-mediated analysis (spec
				// §4.5). A degraded-but-handled LLM failure surfaces as
				// errorMessage, never as a GraphQL error; only shape
				// problems (no articles, no LLM configured) do.
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					ids := int64Slice(p.Args["articleIds"])
					articles, err := store.GetAllArticles(storage.ArticleFilter{IDs: ids}, storage.ArticleSort{}, storage.Paging{})
					if err != nil {
						return nil, err
					}
					result, err := engine.AnalyzeNews(p.Context, articles, p.Args["analysisType"].(string), optionalString(p.Args, "customPrompt"))
					if err != nil {
						return nil, err
					}
					out := map[string]interface{}{
						"analysis":      result["analysis"],
						"importance":    result["importance"],
						"stance":        result["stance"],
						"formattedText": result["formatted_text"],
					}
					if errMsg, ok := result["error"].(string); ok {
						out["errorMessage"] = errMsg
					}
					return out, nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query:    rootQuery,
		Mutation: rootMutation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GraphQL schema: %w", err)
	}

	h := handler.New(&handler.Config{
		Schema:   &schema,
		Pretty:   true,
		GraphiQL: true,
	})

	return h, nil
}
