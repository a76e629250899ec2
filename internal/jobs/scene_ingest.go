package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shaiso/Mosaic/internal/workflow"
)

// Типы tasks пайплайна scene_ingest.
const (
	TaskTypeScanScene         = "scan_scene"
	TaskTypeReprojectScene    = "reproject_scene"
	TaskTypeCatalogCollection = "catalog_collection"
)

// sceneIngestSchema — JSON Schema параметров scene_ingest.
var sceneIngestSchema = map[string]any{
	"type":     "object",
	"required": []any{"collection", "scene_count"},
	"properties": map[string]any{
		"collection": map[string]any{
			"type":      "string",
			"minLength": 1,
		},
		"scene_count": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 1000,
		},
		"target_srid": map[string]any{
			"type": "integer",
			"enum": []any{3857},
		},
	},
	"additionalProperties": false,
}

// SceneIngest — пайплайн приёма коллекции геосцен:
//
//	stage 1 (scan)      — по task'у на сцену: метаданные и bbox сцены
//	stage 2 (reproject) — по task'у на каждую отсканированную сцену:
//	                      перепроецирование bbox в Web Mercator
//	stage 3 (catalog)   — один task: запись коллекции в каталог
//	                      с общим extent'ом
//
// Fan-out stage 1 задаётся параметром scene_count, stage 2 повторяет
// успешные tasks stage 1, stage 3 всегда одиночный.
type SceneIngest struct{}

// NewSceneIngest создаёт declaration пайплайна.
func NewSceneIngest() *SceneIngest {
	return &SceneIngest{}
}

func (d *SceneIngest) JobType() string {
	return "scene_ingest"
}

func (d *SceneIngest) Stages() []workflow.StageDefinition {
	return []workflow.StageDefinition{
		{
			Number:      1,
			Name:        "scan",
			TaskType:    TaskTypeScanScene,
			Parallelism: workflow.FromParameter("scene_count"),
		},
		{
			Number:                     2,
			Name:                       "reproject",
			TaskType:                   TaskTypeReprojectScene,
			Parallelism:                workflow.MatchPrevious(),
			ConsumesPredecessorResults: true,
		},
		{
			Number:                     3,
			Name:                       "catalog",
			TaskType:                   TaskTypeCatalogCollection,
			Parallelism:                workflow.Fixed(1),
			ConsumesPredecessorResults: true,
		},
	}
}

// BatchThreshold — большие коллекции уходят batch-транспортом.
func (d *SceneIngest) BatchThreshold() int {
	return 0
}

func (d *SceneIngest) ValidateParameters(raw map[string]any) (map[string]any, error) {
	if err := workflow.ValidateSchema(d.JobType(), sceneIngestSchema, raw); err != nil {
		return nil, err
	}

	params := map[string]any{
		"collection":  raw["collection"],
		"scene_count": raw["scene_count"],
	}
	if srid, ok := raw["target_srid"]; ok {
		params["target_srid"] = srid
	} else {
		params["target_srid"] = 3857
	}
	return params, nil
}

func (d *SceneIngest) TasksForStage(stage int, params map[string]any, jobID string, prev map[string]any) ([]workflow.TaskSpec, error) {
	switch stage {
	case 1:
		count, ok := intParam(params, "scene_count")
		if !ok {
			return nil, fmt.Errorf("scene_count is not an integer: %v", params["scene_count"])
		}
		specs := make([]workflow.TaskSpec, 0, count)
		for i := 0; i < count; i++ {
			specs = append(specs, workflow.TaskSpec{
				Key: strconv.Itoa(i),
				Parameters: map[string]any{
					"collection":  params["collection"],
					"scene_index": i,
				},
			})
		}
		return specs, nil

	case 2:
		specs := make([]workflow.TaskSpec, 0, len(prev))
		for key := range prev {
			specs = append(specs, workflow.TaskSpec{
				Key: key,
				Parameters: map[string]any{
					"target_srid": params["target_srid"],
				},
			})
		}
		return specs, nil

	case 3:
		extent, err := unionExtent(prev)
		if err != nil {
			return nil, err
		}
		return []workflow.TaskSpec{{
			Key: "collection",
			Parameters: map[string]any{
				"collection":  params["collection"],
				"scene_count": len(prev),
				"extent":      extent,
			},
		}}, nil

	default:
		return nil, fmt.Errorf("scene_ingest has no stage %d", stage)
	}
}

// unionExtent объединяет bbox_m всех перепроецированных сцен.
func unionExtent(reprojected map[string]any) ([]float64, error) {
	extent := []float64{0, 0, 0, 0}
	first := true

	for key, v := range reprojected {
		result, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("scene %s: unexpected result shape %T", key, v)
		}
		bbox, err := floatSlice(result["bbox_m"])
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", key, err)
		}

		if first {
			copy(extent, bbox)
			first = false
			continue
		}
		if bbox[0] < extent[0] {
			extent[0] = bbox[0]
		}
		if bbox[1] < extent[1] {
			extent[1] = bbox[1]
		}
		if bbox[2] > extent[2] {
			extent[2] = bbox[2]
		}
		if bbox[3] > extent[3] {
			extent[3] = bbox[3]
		}
	}
	return extent, nil
}

// intParam достаёт целочисленный параметр: после JSON round-trip'а
// числа приходят как float64, из Go-кода — как int.
func intParam(params map[string]any, name string) (int, bool) {
	switch v := params[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// floatSlice приводит значение к []float64 из четырёх элементов.
func floatSlice(v any) ([]float64, error) {
	switch bbox := v.(type) {
	case []float64:
		if len(bbox) != 4 {
			return nil, fmt.Errorf("bbox has %d elements, want 4", len(bbox))
		}
		return bbox, nil
	case []any:
		if len(bbox) != 4 {
			return nil, fmt.Errorf("bbox has %d elements, want 4", len(bbox))
		}
		out := make([]float64, 4)
		for i, e := range bbox {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("bbox element %d is %T, want number", i, e)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("bbox is %T, want array", v)
	}
}
