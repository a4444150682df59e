package models

// Trending collection field names.
const (
	FieldSearchTerm = "searchTerm"
	FieldCount      = "count"
)

// TrendingMovie counts how often a search term led to a movie.
type TrendingMovie struct {
	ID         string  `json:"$id"`
	SearchTerm string  `json:"searchTerm"`
	MovieID    int64   `json:"movie_id"`
	Title      string  `json:"title"`
	Count      int64   `json:"count"`
	PosterURL  *string `json:"poster_url"`
}
