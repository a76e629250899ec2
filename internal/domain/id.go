package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// NewJobID вычисляет контентный хэш (job_type, parameters).
//
// Хэш служит ключом идемпотентности: повторная отправка идентичного
// запроса даёт тот же job_id, и create превращается в no-op.
// Канонизация параметров — JSON-сериализация: encoding/json выводит
// ключи map в отсортированном порядке на всех уровнях вложенности,
// поэтому порядок ключей на входе на хэш не влияет. Параметры приходят
// из декодированного JSON, так что сериализация обратно не падает;
// нестандартное содержимое хэшируется как пустое.
func NewJobID(jobType string, params map[string]any) string {
	canonical, _ := json.Marshal(params)

	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil))
}

// NewTaskID строит детерминированный ID task'а из (job_id, stage, key).
//
// ID уникален и читаем человеком: по нему видно, какому job и stage
// принадлежит task. Повторное создание того же task'а даёт тот же ID,
// что делает batch-insert идемпотентным.
func NewTaskID(jobID string, stage int, key string) string {
	return jobID + ":" + strconv.Itoa(stage) + ":" + key
}
