package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shaiso/Mosaic/internal/handler"
)

// Геометрия сетки сцен: 36 колонок по 10 градусов долготы,
// строки по 10 градусов широты от -80 до +80.
const (
	gridColumns   = 36
	sceneSizeDeg  = 10.0
	gridSouthEdge = -80.0
	gridNorthEdge = 80.0

	// webMercatorRadius — радиус сферы EPSG:3857.
	webMercatorRadius = 6378137.0
)

// ScanScene — handler stage "scan": строит метаданные сцены по её
// индексу в сетке коллекции. Чистая функция от параметров,
// повторный запуск даёт тот же результат.
func ScanScene(_ context.Context, params map[string]any, _ *handler.Context) (*handler.Result, error) {
	index, ok := intParam(params, "scene_index")
	if !ok {
		return nil, handler.Terminal(fmt.Errorf("scene_index is not an integer: %v", params["scene_index"]))
	}
	collection, _ := params["collection"].(string)
	if collection == "" {
		return nil, handler.Terminal(errors.New("collection is empty"))
	}

	west := -180.0 + float64(index%gridColumns)*sceneSizeDeg
	south := gridSouthEdge + float64(index/gridColumns)*sceneSizeDeg
	if south >= gridNorthEdge {
		return nil, handler.Terminal(fmt.Errorf("scene index %d is outside the grid", index))
	}

	return &handler.Result{
		Data: map[string]any{
			"scene_id": fmt.Sprintf("%s/scene-%04d", collection, index),
			"bbox":     []float64{west, south, west + sceneSizeDeg, south + sceneSizeDeg},
			"epsg":     4326,
		},
	}, nil
}

// ReprojectScene — handler stage "reproject": читает bbox своей сцены
// из результата предшественника (lineage по совпадающему key)
// и перепроецирует его в Web Mercator.
func ReprojectScene(ctx context.Context, params map[string]any, ec *handler.Context) (*handler.Result, error) {
	prev, err := ec.PredecessorResult(ctx)
	if err != nil {
		return nil, err
	}

	bbox, err := floatSlice(prev["bbox"])
	if err != nil {
		return nil, handler.Terminal(fmt.Errorf("predecessor bbox: %w", err))
	}
	srid, ok := intParam(params, "target_srid")
	if !ok || srid != 3857 {
		return nil, handler.Terminal(fmt.Errorf("unsupported target srid: %v", params["target_srid"]))
	}

	minX, minY := toWebMercator(bbox[0], bbox[1])
	maxX, maxY := toWebMercator(bbox[2], bbox[3])

	return &handler.Result{
		Data: map[string]any{
			"scene_id": prev["scene_id"],
			"bbox_m":   []float64{minX, minY, maxX, maxY},
			"epsg":     srid,
		},
	}, nil
}

// CatalogCollection — handler stage "catalog": формирует итоговую
// запись коллекции. Общий extent уже вычислен при планировании stage.
func CatalogCollection(_ context.Context, params map[string]any, ec *handler.Context) (*handler.Result, error) {
	collection, _ := params["collection"].(string)
	count, ok := intParam(params, "scene_count")
	if !ok {
		return nil, handler.Terminal(fmt.Errorf("scene_count is not an integer: %v", params["scene_count"]))
	}
	extent, err := floatSlice(params["extent"])
	if err != nil {
		return nil, handler.Terminal(fmt.Errorf("collection extent: %w", err))
	}

	ec.Logger.Info("collection catalogued",
		"collection", collection,
		"scenes", count,
	)

	return &handler.Result{
		Data: map[string]any{
			"catalog_id": fmt.Sprintf("catalog/%s", collection),
			"scenes":     count,
			"extent_m":   extent,
			"epsg":       3857,
		},
	}, nil
}

// toWebMercator переводит координату из EPSG:4326 в EPSG:3857.
func toWebMercator(lon, lat float64) (x, y float64) {
	x = webMercatorRadius * lon * math.Pi / 180
	y = webMercatorRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}
